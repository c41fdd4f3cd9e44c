package protocol

import "testing"

func TestRegistry(t *testing.T) {
	Register("test-proto", func(opts Options) Module {
		return NewBaseModule(Metadata{Type: "test-proto"}, Capabilities{}, nil, nil, opts)
	})

	if !Known("test-proto") {
		t.Fatal("expected test-proto to be registered")
	}
	if Known("missing-proto") {
		t.Fatal("missing-proto must not be registered")
	}

	mod, err := New("test-proto", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if mod.Metadata().Type != "test-proto" {
		t.Fatalf("unexpected metadata type %q", mod.Metadata().Type)
	}

	if _, err = New("missing-proto", Options{}); err == nil {
		t.Fatal("expected error for unregistered protocol")
	}

	found := false
	for _, id := range Types() {
		if id == "test-proto" {
			found = true
		}
	}
	if !found {
		t.Fatal("Types() should include test-proto")
	}
}

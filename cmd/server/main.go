// Package main provides the entry point for the API relay server. The server
// hosts protocol modules (OAuth2, GraphQL, WebSocket, raw curl) behind a
// single HTTP facade and runs interactive logins from the command line.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/api"
	"github.com/apirelay/apirelay/internal/authflow"
	"github.com/apirelay/apirelay/internal/buildinfo"
	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/logging"
	"github.com/apirelay/apirelay/internal/protocol"
	_ "github.com/apirelay/apirelay/internal/protocol/curlcmd"
	_ "github.com/apirelay/apirelay/internal/protocol/graphql"
	_ "github.com/apirelay/apirelay/internal/protocol/oauth"
	_ "github.com/apirelay/apirelay/internal/protocol/wsproto"
	"github.com/apirelay/apirelay/internal/store"
	"github.com/apirelay/apirelay/internal/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("apirelay Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var loginProtocol string
	var loginName string
	var noBrowser bool
	var callbackPort int
	var configPath string

	flag.StringVar(&loginProtocol, "login", "", "Run an interactive login for the named protocol and exit")
	flag.StringVar(&loginName, "name", "", "Display name for the stored credential (login mode)")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically during login")
	flag.IntVar(&callbackPort, "callback-port", 0, "Override the OAuth callback port")
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	authDir, err := cfg.ResolveAuthDir()
	if err != nil {
		log.Errorf("failed to resolve auth directory: %v", err)
		return
	}
	if err = logging.ConfigureLogOutput(filepath.Join(authDir, "logs"), cfg.LoggingToFile, cfg.Debug); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	httpClient := util.SetProxy(cfg.ProxyURL, nil)
	moduleOpts := protocol.Options{HTTPClient: httpClient}
	credStore := store.NewFileStore(authDir)

	if loginProtocol != "" {
		if callbackPort == 0 {
			callbackPort = cfg.CallbackPort
		}
		runLogin(moduleOpts, credStore, loginProtocol, loginName, noBrowser, callbackPort)
		return
	}

	runServer(cfg, configPath, moduleOpts, credStore)
}

// runLogin prompts for the protocol's required fields and drives the
// interactive authentication flow.
func runLogin(opts protocol.Options, credStore *store.FileStore, protocolType, name string, noBrowser bool, callbackPort int) {
	if !protocol.Known(protocolType) {
		log.Errorf("unknown protocol %q, registered: %v", protocolType, protocol.Types())
		return
	}
	module, err := protocol.New(protocolType, opts)
	if err != nil {
		log.Errorf("failed to construct %s module: %v", protocolType, err)
		return
	}

	creds, err := promptFields(module.RequiredFields(), os.Stdin, os.Stdout)
	if err != nil {
		log.Errorf("failed to read configuration: %v", err)
		return
	}

	manager := authflow.NewManager(authflow.Options{
		Store:         credStore,
		ModuleOptions: opts,
		CallbackPort:  callbackPort,
		NoBrowser:     noBrowser,
		Input:         os.Stdin,
		Output:        os.Stdout,
	})
	rec, err := manager.Login(context.Background(), protocolType, name, creds)
	if err != nil {
		log.Errorf("login failed: %v", err)
		return
	}
	fmt.Printf("Login successful. Credential id: %s\n", rec.ID)
}

// promptFields collects values for the module's declared fields, skipping
// fields hidden by an unsatisfied visibility condition.
func promptFields(fields []protocol.FieldDefinition, in *os.File, out *os.File) (protocol.Credentials, error) {
	creds := protocol.Credentials{}
	reader := bufio.NewReader(in)
	for _, field := range fields {
		if field.VisibleWhen != nil {
			visible := false
			current := creds.Str(field.VisibleWhen.Field)
			for _, want := range field.VisibleWhen.Equals {
				if current == want {
					visible = true
					break
				}
			}
			if !visible {
				continue
			}
		}
		prompt := field.Label
		if field.Placeholder != "" {
			prompt += fmt.Sprintf(" (e.g. %s)", field.Placeholder)
		}
		fmt.Fprintf(out, "%s: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if value := strings.TrimSpace(line); value != "" {
			creds[field.ID] = value
		}
	}
	return creds, nil
}

// runServer starts the HTTP facade and reloads the configuration on change.
func runServer(cfg *config.Config, configPath string, opts protocol.Options, credStore *store.FileStore) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(api.Options{
		Port:          cfg.Port,
		ModuleOptions: opts,
		Store:         credStore,
		Debug:         cfg.Debug,
	})

	go func() {
		err := config.Watch(ctx, configPath, func(updated *config.Config) {
			if updated.Debug != cfg.Debug {
				if updated.Debug {
					log.SetLevel(log.DebugLevel)
				} else {
					log.SetLevel(log.InfoLevel)
				}
			}
			if updated.Port != cfg.Port {
				log.Warnf("port change from %d to %d requires a restart", cfg.Port, updated.Port)
			}
			cfg = updated
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("config watcher stopped: %v", err)
		}
	}()

	if err := server.Run(ctx); err != nil {
		log.Errorf("server exited: %v", err)
	}
}

// Package util holds small helpers shared across the application.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy routes the client's outbound requests through the proxy URL.
// socks5://, http:// and https:// schemes are supported; anything else
// leaves the client untouched. A nil client gets a fresh one.
func SetProxy(proxyURLStr string, httpClient *http.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	proxyURLStr = strings.TrimSpace(proxyURLStr)
	if proxyURLStr == "" {
		return httpClient
	}
	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		log.Warnf("util: invalid proxy url %q: %v", proxyURLStr, err)
		return httpClient
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("util: create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Warnf("util: unsupported proxy scheme %q", proxyURL.Scheme)
		return httpClient
	}

	httpClient.Transport = transport
	return httpClient
}

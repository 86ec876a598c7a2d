// Package endpoint derives the upload API and channel URLs for the analysis service.
//
// The transport is chosen from the scheme the operator surface itself is served
// on: an https page talks to https/wss, anything else to http/ws. No other
// environment-derived setting changes protocol behavior.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints holds the resolved service URLs.
type Endpoints struct {
	API     string // base for REST calls, e.g. https://host:5000/api
	Channel string // websocket URL, e.g. wss://host:5000/ws
	Secure  bool
}

// Resolve builds Endpoints for host (host or host:port) given the page scheme.
// apiPath and channelPath are joined onto the root verbatim.
func Resolve(pageScheme, host, apiPath, channelPath string) (Endpoints, error) {
	if host == "" {
		return Endpoints{}, fmt.Errorf("endpoint: empty host")
	}
	if strings.Contains(host, "/") {
		return Endpoints{}, fmt.Errorf("endpoint: host %q must not contain a path", host)
	}

	secure := IsSecure(pageScheme)
	httpScheme, wsScheme := "http", "ws"
	if secure {
		httpScheme, wsScheme = "https", "wss"
	}

	api := url.URL{Scheme: httpScheme, Host: host, Path: normalize(apiPath)}
	ch := url.URL{Scheme: wsScheme, Host: host, Path: normalize(channelPath)}

	return Endpoints{API: api.String(), Channel: ch.String(), Secure: secure}, nil
}

// IsSecure reports whether scheme denotes a TLS page ("https" or "wss").
func IsSecure(scheme string) bool {
	switch strings.ToLower(strings.TrimSuffix(scheme, ":")) {
	case "https", "wss":
		return true
	}
	return false
}

func normalize(p string) string {
	if p == "" {
		return ""
	}
	return "/" + strings.Trim(p, "/")
}

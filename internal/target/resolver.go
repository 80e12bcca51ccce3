// Package target resolves caller-supplied target strings into absolute
// upstream destinations.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"opencloud-proxy-go/internal/model"
)

// DefaultBaseURL is the origin relative targets resolve against.
const DefaultBaseURL = "https://apis.roblox.com"

// ErrInvalidTarget is returned for target strings that do not resolve to an
// absolute http(s) URL.
var ErrInvalidTarget = errors.New("invalid target URL")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Resolver parses target strings against a fixed base origin. It holds no
// mutable state; Resolve is a pure function of its input.
type Resolver struct {
	base *url.URL
}

// NewResolver creates a Resolver with the given base origin.
func NewResolver(baseURL string) (*Resolver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if _, ok := defaultPorts[u.Scheme]; !ok || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be an absolute http(s) URL", baseURL)
	}
	return &Resolver{base: u}, nil
}

// Resolve parses raw. Relative inputs resolve against the base origin;
// absolute inputs replace it entirely. Fragments and user info are dropped.
func (r *Resolver) Resolve(raw string) (model.Target, error) {
	if strings.TrimSpace(raw) == "" {
		return model.Target{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	u := r.base.ResolveReference(ref)

	scheme := strings.ToLower(u.Scheme)
	defaultPort, ok := defaultPorts[scheme]
	if !ok {
		return model.Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return model.Target{}, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	port := u.Port()
	if port == defaultPort {
		port = ""
	}

	path, rawPath := u.Path, u.RawPath
	if path == "" {
		path, rawPath = "/", ""
	}

	return model.Target{
		Scheme:   scheme,
		Host:     joinHost(hostname, port),
		Hostname: hostname,
		Port:     port,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: u.RawQuery,
	}, nil
}

func joinHost(hostname, port string) string {
	if port != "" {
		return net.JoinHostPort(hostname, port)
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]"
	}
	return hostname
}

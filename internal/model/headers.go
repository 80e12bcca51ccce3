package model

import (
	"net/http"
	"strings"
)

// Control headers consumed by the gateway itself.
const (
	HeaderAccessKey         = "Proxy-Access-Key"
	HeaderTarget            = "Proxy-Target"
	HeaderOverrideUserAgent = "Proxy-Override-User-Agent"
	HeaderIdentity          = "Roblox-Id"
)

// HeaderAPIKey carries the Open Cloud API key upstream.
const HeaderAPIKey = "X-Api-Key"

// ControlHeaders are never forwarded upstream.
var ControlHeaders = []string{
	HeaderIdentity,
	HeaderAccessKey,
	HeaderTarget,
}

// HopByHopHeaders are headers that should not be forwarded by proxies.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h, including any header
// named in its Connection value.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}

// LastValue returns the last value of key in h. Later duplicates win.
func LastValue(h http.Header, key string) string {
	vals := h.Values(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

package model

import "net/url"

// Target is a resolved, absolute upstream destination.
//
// Host is the lower-cased hostname followed by ":port" when the port is not
// the scheme default. It is the value matched against the allow-list.
type Target struct {
	Scheme   string
	Host     string
	Hostname string
	Port     string
	Path     string
	RawPath  string
	RawQuery string
}

// Origin returns scheme://host.
func (t Target) Origin() string {
	return t.Scheme + "://" + t.Host
}

// URL returns the absolute upstream URL for the target.
func (t Target) URL() *url.URL {
	return &url.URL{
		Scheme:   t.Scheme,
		Host:     t.Host,
		Path:     t.Path,
		RawPath:  t.RawPath,
		RawQuery: t.RawQuery,
	}
}

// RequestURI returns the path and query sent on the outbound request line.
func (t Target) RequestURI() string {
	return t.URL().RequestURI()
}

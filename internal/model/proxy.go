// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a caller request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Status     string // reason phrase only, e.g. "Not Found"
	Header     http.Header
	Body       io.ReadCloser
}

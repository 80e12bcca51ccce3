package model

import "fmt"

// GzipMethod selects how an appended trailer meets a gzip-encoded upstream body.
type GzipMethod string

const (
	// GzipTransform decompresses the upstream body and re-compresses it
	// together with the trailer as one gzip stream.
	GzipTransform GzipMethod = "transform"
	// GzipDecode decompresses the upstream body and relays it, and the
	// trailer, without content encoding.
	GzipDecode GzipMethod = "decode"
	// GzipAppend relays the upstream body untouched and appends the trailer
	// as a separately compressed gzip member.
	GzipAppend GzipMethod = "append"
)

// GzipMethods lists every accepted GzipMethod.
var GzipMethods = []GzipMethod{GzipTransform, GzipDecode, GzipAppend}

// ParseGzipMethod validates s against GzipMethods.
func ParseGzipMethod(s string) (GzipMethod, error) {
	for _, m := range GzipMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("gzip method must be one of %v; got %q", GzipMethods, s)
}

// RewritePolicy is the process-wide response rewrite contract. It is built
// once at startup and never mutated.
type RewritePolicy struct {
	OverrideStatus        bool
	AppendHead            bool
	RewriteAcceptEncoding bool
	GzipMethod            GzipMethod
}

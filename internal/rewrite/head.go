// Package rewrite transforms upstream responses before they are relayed to
// the caller: status override and appending the original response head.
package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"opencloud-proxy-go/internal/model"
)

// Delimiter wraps the appended head. It is not escaped: a body that
// already contains it makes the trailer ambiguous to the consumer.
const Delimiter = `"""`

// Head is the original upstream status and headers, appended to the body
// for callers that cannot observe them directly.
type Head struct {
	Headers map[string]any `json:"headers"`
	Status  HeadStatus     `json:"status"`
}

// HeadStatus is the original upstream status line.
type HeadStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewHead captures resp's status and headers. Header names are lower-cased;
// repeated values are joined with ", " except Set-Cookie, which stays a list.
func NewHead(resp *model.ProxyResponse) Head {
	headers := make(map[string]any, len(resp.Header))
	for key, vals := range resp.Header {
		name := strings.ToLower(key)
		if name == "set-cookie" {
			headers[name] = append([]string(nil), vals...)
			continue
		}
		headers[name] = strings.Join(vals, ", ")
	}

	return Head{
		Headers: headers,
		Status: HeadStatus{
			Code:    resp.StatusCode,
			Message: resp.Status,
		},
	}
}

// Trailer serializes h between delimiters.
func (h Head) Trailer() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Delimiter)

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("encode head: %w", err)
	}
	buf.Truncate(buf.Len() - 1) // Encode's trailing newline

	buf.WriteString(Delimiter)
	return buf.Bytes(), nil
}

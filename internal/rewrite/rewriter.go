package rewrite

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"opencloud-proxy-go/internal/metrics"
	"opencloud-proxy-go/internal/model"
)

// Upstream errors raised while preparing or finishing a rewritten response.
var (
	ErrCompress       = errors.New("compress trailer")
	ErrDecode         = errors.New("decode upstream gzip body")
	ErrAborted        = errors.New("response aborted before finalize")
	ErrFinalizedTwice = errors.New("response already finalized")
)

// Rewriter applies the process-wide RewritePolicy to upstream responses.
// It is immutable and safe for concurrent use.
type Rewriter struct {
	policy     model.RewritePolicy
	compressor Compressor
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Rewriter. The metrics parameter is optional.
func New(p model.RewritePolicy, c Compressor, m *metrics.Metrics, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		policy:     p,
		compressor: c,
		metrics:    m,
		logger:     logger.With("component", "rewriter"),
	}
}

// Begin commits the status line and headers for resp and returns the
// Writer that relays its body. Everything that can fail without emitting
// partial output, trailer compression included, happens before the status
// is written; on error nothing has been written to w.
func (r *Rewriter) Begin(w http.ResponseWriter, method string, resp *model.ProxyResponse) (*Writer, error) {
	status := resp.StatusCode
	if r.policy.OverrideStatus {
		status = http.StatusOK
	}

	rw := &Writer{
		rw:      w,
		out:     w,
		body:    resp.Body,
		metrics: r.metrics,
	}

	appendHead := r.policy.AppendHead && bodyAllowed(method, status)
	if appendHead {
		trailer, err := NewHead(resp).Trailer()
		if err != nil {
			return nil, err
		}
		rw.trailer = trailer
		rw.encoding = "identity"

		if isGzip(resp.Header) {
			if err := r.prepareGzip(rw); err != nil {
				return nil, err
			}
		}

		r.logger.Debug("appending response head",
			"handling", rw.encoding,
			"bytes", len(rw.trailer),
		)
	}

	header := w.Header()
	copyHeader(header, resp.Header)
	if appendHead {
		// The upstream length no longer describes the relayed body.
		header.Del("Content-Length")
		if rw.encoding == "gzip_decode" {
			header.Del("Content-Encoding")
		}
	}

	w.WriteHeader(status)
	return rw, nil
}

func (r *Rewriter) prepareGzip(rw *Writer) error {
	switch r.policy.GzipMethod {
	case model.GzipDecode, model.GzipTransform:
		zr, err := gzip.NewReader(rw.body)
		switch {
		case errors.Is(err, io.EOF):
			// No body at all, e.g. a redirect; nothing to decode.
			rw.body = http.NoBody
		case err != nil:
			return fmt.Errorf("%w: %w", ErrDecode, err)
		default:
			rw.body = zr
		}
		if r.policy.GzipMethod == model.GzipDecode {
			rw.encoding = "gzip_decode"
			return nil
		}
		rw.gz = gzip.NewWriter(rw.rw)
		rw.out = rw.gz
		rw.encoding = "gzip_transform"
	default:
		compressed, err := r.compressor.Compress(rw.trailer)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCompress, err)
		}
		rw.trailer = compressed
		rw.encoding = "gzip_append"
	}
	return nil
}

// Writer relays one response body in two explicit phases: WriteBody, then
// Finalize. Finalize writes the trailer, if any, exactly once and only when
// the body was relayed completely.
type Writer struct {
	rw        http.ResponseWriter
	out       io.Writer
	body      io.Reader
	gz        *gzip.Writer
	trailer   []byte
	encoding  string
	metrics   *metrics.Metrics
	failed    bool
	finalized bool
}

// WriteBody copies the upstream body to the caller.
func (w *Writer) WriteBody() (int64, error) {
	n, err := io.Copy(w.out, w.body)
	if err != nil {
		w.failed = true
		return n, fmt.Errorf("relay body: %w", err)
	}
	return n, nil
}

// Finalize completes the response. It returns ErrAborted without writing
// when WriteBody failed, and ErrFinalizedTwice on a second call.
func (w *Writer) Finalize() error {
	if w.finalized {
		return ErrFinalizedTwice
	}
	w.finalized = true

	if w.failed {
		return ErrAborted
	}

	if w.trailer != nil {
		if _, err := w.out.Write(w.trailer); err != nil {
			return fmt.Errorf("write trailer: %w", err)
		}
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("%w: %w", ErrCompress, err)
		}
	}
	if w.trailer != nil {
		w.metrics.ObserveTrailer(w.encoding)
	}

	if f, ok := w.rw.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Trailer returns the bytes Finalize appends, or nil.
func (w *Writer) Trailer() []byte {
	return w.trailer
}

func copyHeader(dst, src http.Header) {
	src = src.Clone()
	model.StripHopByHop(src)
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func isGzip(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Content-Encoding")), "gzip")
}

// bodyAllowed reports whether a response with this method and status may
// carry a body.
func bodyAllowed(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

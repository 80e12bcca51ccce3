package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"opencloud-proxy-go/internal/metrics"
	"opencloud-proxy-go/internal/model"
	"opencloud-proxy-go/internal/rewrite"
	"opencloud-proxy-go/internal/service"
	"opencloud-proxy-go/internal/target"
)

// secretPattern matches credential query parameter values in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|access_?key|token)=)[^&\s"]+`)

// Plain-text bodies for rejected requests.
const (
	msgMissingHeaders = "proxy-access-key and proxy-target headers required"
	msgBadTarget      = "Invalid target URL"
	msgForbiddenHost  = "Host not whitelisted"
	msgBadCredential  = "Invalid access key"
	msgProxyFailed    = "Proxying failed"
)

// GatewayHandler runs one inbound request through authorization,
// forwarding and response rewriting. Each request writes exactly one
// response.
type GatewayHandler struct {
	service  *service.GatewayService
	rewriter *rewrite.Rewriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler. The metrics parameter is optional.
func NewGatewayHandler(svc *service.GatewayService, rw *rewrite.Rewriter, m *metrics.Metrics, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service:  svc,
		rewriter: rw,
		metrics:  m,
		logger:   logger.With("component", "gateway_handler"),
	}
}

// Handle authorizes the request, forwards it to the resolved target and
// relays the rewritten upstream response.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	h.logger.Info("incoming request",
		"method", req.Method,
		"path", req.URL.Path,
		"target", model.LastValue(req.Header, model.HeaderTarget),
	)

	t, err := h.service.Authorize(req.Header)
	if err != nil {
		return h.reject(c, err)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr, t)
	if err != nil {
		return h.fail(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The caller is gone; nothing can be written to it.
	if err := req.Context().Err(); err != nil {
		h.logger.Info("caller disconnected before response", "path", req.URL.Path)
		h.metrics.ObserveOutcome(model.OutcomeAborted)
		return nil
	}

	w, err := h.rewriter.Begin(c.Response(), req.Method, resp)
	if err != nil {
		return h.fail(c, err)
	}

	if _, err := w.WriteBody(); err != nil {
		h.abort(c, err)
	}
	if err := w.Finalize(); err != nil {
		h.abort(c, err)
	}

	h.metrics.ObserveOutcome(model.OutcomeCompleted)
	return nil
}

// reject answers an authorization failure with a 4xx plain-text response.
func (h *GatewayHandler) reject(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingHeaders):
		h.metrics.ObserveOutcome(model.OutcomeRejectedMissingHeaders)
		return c.String(http.StatusBadRequest, msgMissingHeaders)
	case errors.Is(err, service.ErrBadCredential):
		h.metrics.ObserveOutcome(model.OutcomeRejectedBadCredential)
		return c.String(http.StatusForbidden, msgBadCredential)
	case errors.Is(err, target.ErrInvalidTarget):
		h.metrics.ObserveOutcome(model.OutcomeRejectedBadTarget)
		return c.String(http.StatusBadRequest, msgBadTarget)
	case errors.Is(err, service.ErrForbiddenHost):
		h.metrics.ObserveOutcome(model.OutcomeRejectedForbiddenHost)
		return c.String(http.StatusBadRequest, msgForbiddenHost)
	}
	return h.fail(c, err)
}

// fail answers an upstream failure that happened before any response byte
// was written.
func (h *GatewayHandler) fail(c echo.Context, err error) error {
	if c.Request().Context().Err() != nil {
		h.logger.Info("caller disconnected before response",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
		h.metrics.ObserveOutcome(model.OutcomeAborted)
		return nil
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)
	h.metrics.ObserveOutcome(model.OutcomeFailedUpstream)
	return c.String(http.StatusInternalServerError, msgProxyFailed)
}

// abort tears down a response whose status line is already committed. A
// truncated or corrupt body must not look like a complete one.
func (h *GatewayHandler) abort(c echo.Context, err error) {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"committed", true,
	)
	h.metrics.ObserveOutcome(model.OutcomeAborted)
	panic(http.ErrAbortHandler)
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

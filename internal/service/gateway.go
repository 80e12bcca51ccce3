// Package service implements the gateway's authorization pipeline and
// outbound request forwarding.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"opencloud-proxy-go/internal/auth"
	"opencloud-proxy-go/internal/client"
	"opencloud-proxy-go/internal/config"
	"opencloud-proxy-go/internal/model"
	"opencloud-proxy-go/internal/policy"
	"opencloud-proxy-go/internal/target"
)

// Client errors produced by Authorize. Unparsable targets surface as
// target.ErrInvalidTarget.
var (
	ErrMissingHeaders = errors.New("proxy-access-key and proxy-target headers required")
	ErrBadCredential  = errors.New("invalid access key")
	ErrForbiddenHost  = errors.New("host not whitelisted")
)

// GatewayService authorizes caller requests and forwards them upstream.
// All of its state is read-only after construction.
type GatewayService struct {
	client    *client.UpstreamClient
	verifier  *auth.Verifier
	resolver  *target.Resolver
	allowList *policy.AllowList
	policy    model.RewritePolicy
	userAgent string
	openCloud config.OpenCloudConfig
	logger    *slog.Logger
}

// NewGatewayService creates a GatewayService.
func NewGatewayService(
	c *client.UpstreamClient,
	cfg *config.Config,
	v *auth.Verifier,
	r *target.Resolver,
	a *policy.AllowList,
	logger *slog.Logger,
) *GatewayService {
	return &GatewayService{
		client:    c,
		verifier:  v,
		resolver:  r,
		allowList: a,
		policy:    cfg.RewritePolicy(),
		userAgent: cfg.Upstream.UserAgent,
		openCloud: cfg.OpenCloud,
		logger:    logger.With("component", "gateway_service"),
	}
}

// Authorize checks the control headers in order: presence, credential,
// target syntax, then host policy. The first failure wins.
func (s *GatewayService) Authorize(header http.Header) (model.Target, error) {
	accessKey := model.LastValue(header, model.HeaderAccessKey)
	rawTarget := model.LastValue(header, model.HeaderTarget)

	if accessKey == "" || rawTarget == "" {
		s.logger.Info("missing required headers")
		return model.Target{}, ErrMissingHeaders
	}

	if !s.verifier.Verify([]byte(accessKey)) {
		s.logger.Warn("invalid access key")
		return model.Target{}, ErrBadCredential
	}

	t, err := s.resolver.Resolve(rawTarget)
	if err != nil {
		s.logger.Info("invalid target", "target", rawTarget, "err", err)
		return model.Target{}, err
	}

	if !s.allowList.IsAllowed(t.Host) {
		s.logger.Info("host not whitelisted", "host", t.Host)
		return model.Target{}, fmt.Errorf("%w: %s", ErrForbiddenHost, t.Host)
	}

	s.logger.Info("access granted", "host", t.Host, "path", t.Path)
	return t, nil
}

// Forward sends a ProxyRequest to the resolved target and returns the
// response. It makes a single attempt. The caller is responsible for
// closing the response body.
func (s *GatewayService) Forward(pr *model.ProxyRequest, t model.Target) (*model.ProxyResponse, error) {
	header := s.buildOutboundHeader(pr.Header, t)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"origin", t.Origin(),
		"uri", t.RequestURI(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, t.URL().String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.logger.Info("received upstream response",
		"status_code", resp.StatusCode,
		"status_message", resp.Status,
	)
	return resp, nil
}

// buildOutboundHeader derives upstream headers from the caller's. It never
// mutates src.
func (s *GatewayService) buildOutboundHeader(src http.Header, t model.Target) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	model.StripHopByHop(dst)

	ua := model.LastValue(src, model.HeaderOverrideUserAgent)
	if ua == "" {
		ua = s.userAgent
	}
	dst.Set("User-Agent", ua)

	if s.policy.RewriteAcceptEncoding {
		dst.Set("Accept-Encoding", "gzip")
	}

	for _, h := range model.ControlHeaders {
		dst.Del(h)
	}

	if s.openCloud.APIKey != "" && t.Host == s.openCloud.Host {
		dst.Set(model.HeaderAPIKey, s.openCloud.APIKey)
	}

	return dst
}

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/earlence-security/stateful-auth/handlers"
	"github.com/earlence-security/stateful-auth/internal/observability"
	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/services"
	"github.com/earlence-security/stateful-auth/services/audit"
	"github.com/earlence-security/stateful-auth/services/history"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/earlence-security/stateful-auth/utils"
	"go.uber.org/zap"
)

const (
	// HeaderHistory carries the client's history of the touched objects.
	HeaderHistory = "Authorization-History"
	// HeaderSetHistory returns the advanced history to the client.
	HeaderSetHistory = "Set-Authorization-History"

	maxBodySize = 10 << 20
)

// Config configures the gateway
type Config struct {
	Upstream         *url.URL
	ResourcePrefixes []string
	// VerifyCarried enables client-carried histories: a request's
	// Authorization-History is checked against stored digests and the
	// advanced history is returned in Set-Authorization-History.
	VerifyCarried bool
	Timeout       time.Duration
}

type callKey struct{}

// call is what the response hook needs to know about an accepted request
type call struct {
	capability string
	req        *models.Request
	ids        []string
	meta       audit.Meta
}

// Gateway is an intercepting reverse proxy. Every call is decided against
// the capability's policy and history before it reaches the upstream, and a
// successful call advances the stored history of the objects it touched.
//
// Concurrent calls on the same objects are decided independently; only the
// history writes are serialized, by the history repository.
type Gateway struct {
	cfg      Config
	policies *policy.PolicyService
	history  *history.HistoryService
	resolver *Resolver
	proxy    *httputil.ReverseProxy
	metrics  observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Gateway forwarding to cfg.Upstream
func New(cfg Config, policies *policy.PolicyService, histories *history.HistoryService, metrics observability.Metrics, logger *zap.Logger) (*Gateway, error) {
	if cfg.Upstream == nil || cfg.Upstream.Host == "" {
		return nil, errors.New("gateway upstream URL is required")
	}
	if policies == nil || histories == nil {
		return nil, errors.New("gateway requires policy and history services")
	}
	if metrics == nil {
		metrics = observability.Nop{}
	}

	g := &Gateway{
		cfg:      cfg,
		policies: policies,
		history:  histories,
		resolver: NewResolver(cfg.ResourcePrefixes),
		metrics:  metrics,
		logger:   logger.Named("gateway"),
		now:      time.Now,
	}

	rp := httputil.NewSingleHostReverseProxy(cfg.Upstream)
	director := rp.Director
	rp.Director = func(out *http.Request) {
		director(out)
		out.Header.Del(HeaderHistory)
		if id := middleware.GetRequestIDFromContext(out.Context()); id != "" {
			out.Header.Set("X-Request-ID", id)
		}
	}
	if cfg.Timeout > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		rp.Transport = transport
	}
	rp.ModifyResponse = g.afterUpstream
	rp.ErrorHandler = g.upstreamError
	g.proxy = rp

	return g, nil
}

// ServeHTTP decides the call and forwards it when accepted
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.WithRequest(ctx, g.logger)

	capability := middleware.GetCapabilityFromContext(ctx)
	if capability == "" {
		handlers.HandleServiceError(w, services.ErrMissingCapability, log)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Failed to read request body", nil)
		return
	}
	if len(body) > maxBodySize {
		_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
		return
	}
	_ = r.Body.Close()

	req := BuildRequest(r, body, g.now())
	ids := g.resolver.RequestIDs(r.URL.Path, body)
	meta := middleware.AuditMeta(r)

	hm, err := g.historyFor(ctx, r, capability, ids, req, meta)
	if err != nil {
		handlers.HandleServiceError(w, err, log)
		return
	}

	result, err := g.policies.Evaluate(ctx, policy.EvaluationRequest{
		Capability: capability,
		Request:    req,
		History:    hm,
		Meta:       meta,
	})
	if err != nil {
		if services.IsNotFoundError(err) {
			// no policy governs this capability
			log.Info("denying call without policy", zap.String("capability", capability), zap.Error(err))
			g.metrics.RecordDecision(observability.DecisionLabels{Decision: models.DecisionDeny.String(), Source: "gateway"})
			handlers.HandleServiceError(w, services.NewDomainError(services.ErrorTypePolicyViolation, "no policy governs this capability", err), log)
			return
		}
		handlers.HandleServiceError(w, err, log)
		return
	}

	g.metrics.RecordDecision(observability.DecisionLabels{
		Policy:   result.Policy,
		Decision: result.Decision.String(),
		Source:   "gateway",
	})

	if !result.Decision.Allowed() {
		log.Info("call denied",
			zap.String("capability", capability),
			zap.String("policy", result.Policy),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.String("reason", result.Reason))
		handlers.HandleServiceError(w, services.NewDomainError(services.ErrorTypePolicyViolation, "request denied by policy", nil).
			WithDetail("policy", result.Policy), log)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	ctx = context.WithValue(ctx, callKey{}, &call{capability: capability, req: req, ids: ids, meta: meta})
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// historyFor returns the history the call is decided on. With carried
// histories enabled and the header present, the carried history is used
// after verification; otherwise the stored one.
func (g *Gateway) historyFor(ctx context.Context, r *http.Request, capability string, ids []string, req *models.Request, meta audit.Meta) (models.HistoryMap, error) {
	values, carried := r.Header[HeaderHistory]
	if !g.cfg.VerifyCarried || !carried {
		return g.history.Load(ctx, capability, ids)
	}

	var value string
	if len(values) > 0 {
		value = values[0]
	}
	hm, err := decodeCarried(value)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "malformed history header", err)
	}
	return g.history.Verify(ctx, capability, ids, hm, req, meta)
}

// afterUpstream records the call on the touched objects when the upstream
// succeeded. Failed calls leave history unchanged.
func (g *Gateway) afterUpstream(resp *http.Response) error {
	c, ok := resp.Request.Context().Value(callKey{}).(*call)
	if !ok || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	ctx := resp.Request.Context()
	log := observability.WithRequest(ctx, g.logger)

	ids := c.ids
	if len(ids) == 0 && c.req.Method == http.MethodPost {
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read upstream response: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		ids = ResponseIDs(body)
	}
	if len(ids) == 0 {
		return nil
	}

	var (
		hm  models.HistoryMap
		err error
	)
	if c.req.Method == http.MethodDelete {
		_, err = g.history.Forget(ctx, c.capability, c.req, ids, c.meta)
		g.metrics.RecordHistoryWrite("forget", err)
		hm = models.HistoryMap{}
	} else {
		hm, err = g.history.Record(ctx, c.capability, c.req, ids, c.meta)
		g.metrics.RecordHistoryWrite("record", err)
	}
	if err != nil {
		// The upstream call already happened; the client still gets its response.
		log.Error("failed to update history",
			zap.String("capability", c.capability),
			zap.Strings("objects", ids),
			zap.Error(err))
		return nil
	}

	if g.cfg.VerifyCarried {
		encoded, err := hm.Encode()
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		resp.Header.Set(HeaderSetHistory, string(encoded))
	}
	return nil
}

func (g *Gateway) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.WithRequest(r.Context(), g.logger)
	log.Error("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
	handlers.HandleServiceError(w, services.WrapExternal("upstream service unavailable", err), log)
}

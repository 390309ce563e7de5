package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/audit"
	"github.com/sos-labs/sos/internal/capability"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/resilience"
)

// capabilityHeader carries a base64url-encoded token.
const capabilityHeader = "X-SOS-Capability"

// verifyCacheTTL caps how long a verified token skips re-verification.
const verifyCacheTTL = 5 * time.Minute

type subjectKey struct{}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// gatekeeper verifies capability tokens on mutating routes. In strict
// mode a failed check is a 403; otherwise it is logged and recorded but
// the request proceeds (shadow enforcement while agents migrate).
type gatekeeper struct {
	verifier *capability.Verifier
	audit    *audit.Store
	metrics  *metrics.Metrics
	strict   bool
	agentID  string
	log      *zap.Logger

	// verified caches unlimited-use tokens by signature so the hot chat
	// path does one ed25519 verify per token, not per request.
	verified *gocache.Cache
}

func newGatekeeper(v *capability.Verifier, a *audit.Store, m *metrics.Metrics, strict bool, agentID string, log *zap.Logger) *gatekeeper {
	return &gatekeeper{
		verifier: v,
		audit:    a,
		metrics:  m,
		strict:   strict,
		agentID:  agentID,
		log:      log,
		verified: gocache.New(verifyCacheTTL, 10*time.Minute),
	}
}

// extractToken pulls a capability token from the Authorization header, the
// dedicated header, or a top-level "capability" object in a JSON body. The
// body is restored for the handler.
func extractToken(r *http.Request) (*capability.Token, *apiError) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		t, err := capability.Decode(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			return nil, errKind(http.StatusBadRequest, "Validation", "bad bearer token: "+err.Error())
		}
		return t, nil
	}
	if h := r.Header.Get(capabilityHeader); h != "" {
		t, err := capability.Decode(h)
		if err != nil {
			return nil, errKind(http.StatusBadRequest, "Validation", "bad capability header: "+err.Error())
		}
		return t, nil
	}

	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, errKind(http.StatusBadRequest, "Validation", "read body: "+err.Error())
	}
	var probe struct {
		Capability *capability.Token `json:"capability"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Capability == nil {
		return nil, nil
	}
	return probe.Capability, nil
}

// check verifies a token against the route's required grant and returns
// the authenticated subject.
func (g *gatekeeper) check(t *capability.Token, route string) (string, capability.Reason) {
	resource := "engine:" + g.agentID + "/" + route
	if t == nil {
		return "", capability.ReasonMalformedToken
	}

	// Unlimited tokens hit the verification cache; use-limited tokens
	// always go through Verify so uses are consumed.
	cacheable := t.UsesRemaining == nil
	if cacheable {
		if subj, ok := g.verified.Get(t.Signature + "|" + resource); ok {
			return subj.(string), capability.ReasonOK
		}
	}

	ok, reason := g.verifier.Verify(t, capability.ActionToolExecute, resource)
	if !ok {
		return t.Subject, reason
	}
	if cacheable {
		ttl := verifyCacheTTL
		if until := time.Until(t.ExpiresAt); until < ttl {
			ttl = until
		}
		g.verified.Set(t.Signature+"|"+resource, t.Subject, ttl)
	}
	return t.Subject, capability.ReasonOK
}

// gated wraps a handler with capability verification and per-subject rate
// limiting.
func (s *Server) gated(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, apiErr := extractToken(r)
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}

		subject, reason := s.gate.check(token, route)
		allowed := reason == capability.ReasonOK
		s.deps.Metrics.CapabilityChecks.WithLabelValues(string(reason)).Inc()

		if s.deps.Audit != nil {
			if err := s.deps.Audit.RecordDecision(audit.Decision{
				Subject:  subject,
				Action:   string(capability.ActionToolExecute),
				Resource: "engine:" + s.deps.Cfg.AgentID + "/" + route,
				Allowed:  allowed,
				Reason:   string(reason),
				Strict:   s.deps.Cfg.StrictCapabilities,
			}); err != nil {
				s.log.Warn("decision audit failed", zap.Error(err))
			}
		}

		if !allowed {
			if s.deps.Cfg.StrictCapabilities {
				writeError(w, errKind(http.StatusForbidden, "CapabilityDenied", string(reason)))
				return
			}
			s.log.Warn("capability check failed, shadow mode admits",
				zap.String("route", route),
				zap.String("subject", subject),
				zap.String("reason", string(reason)))
		}

		limitSubject := subject
		if limitSubject == "" {
			limitSubject = "anonymous"
		}
		if wait, err := s.deps.Limiter.Allow(limitSubject, route); err != nil {
			if wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
			writeError(w, mapError(resilience.ErrRateLimited))
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

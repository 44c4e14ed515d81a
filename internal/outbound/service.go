package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/circuitbreaker"
	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/keyring"
	"github.com/ocmt/control-plane/internal/metrics"
	"github.com/ocmt/control-plane/internal/ratelimit"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBody     = 5 << 20
	defaultHourlyLimit = 100
)

// EventResourceCalled lands on the owner's activity stream after every
// completed invocation.
const EventResourceCalled = "resource.called"

// Service runs the resource-call fabric: grant and permission checks, the
// per-resource rate limit, the SSRF guard, header filtering, credential
// injection, and the bounded HTTP exchange itself.
type Service struct {
	stores   Stores
	keyring  *keyring.Keyring
	guard    *Guard
	limiter  *ratelimit.Limiter
	hourly   int
	metrics  *metrics.Metrics
	recorder *audit.Recorder
	emitter  events.Emitter
	breakers *circuitbreaker.ServiceBreakers
	client   *http.Client
	logger   *log.Logger
	timeout  time.Duration
	maxBody  int64
}

// NewService builds the fabric with an in-process rate limiter. Wire the
// audit recorder, event emitter, breakers, and a shared-store limiter with
// the setters before serving traffic.
func NewService(cfg config.OutboundConfig, stores Stores, kr *keyring.Keyring, m *metrics.Metrics) *Service {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	hourly := cfg.PerResourceHourly
	if hourly == 0 {
		hourly = defaultHourlyLimit
	}

	return &Service{
		stores:  stores,
		keyring: kr,
		guard:   NewGuard(),
		limiter: ratelimit.NewLimiter("api", "resource_call", time.Hour, nil, ratelimit.NewMemoryStore(), m),
		hourly:  hourly,
		metrics: m,
		logger:  log.New(log.Writer(), "[OUTBOUND] ", log.LstdFlags),
		timeout: timeout,
		maxBody: maxBody,
		client: &http.Client{
			// Redirects come back to the caller as-is. Following them would
			// let an approved host bounce the call into blocked address space.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetRecorder wires the audit trail.
func (s *Service) SetRecorder(r *audit.Recorder) { s.recorder = r }

// SetEmitter wires the owner activity stream.
func (s *Service) SetEmitter(em events.Emitter) { s.emitter = em }

// SetBreakers wires per-host circuit breakers around upstream exchanges.
func (s *Service) SetBreakers(b *circuitbreaker.ServiceBreakers) { s.breakers = b }

// SetLimiter replaces the per-resource limiter, usually to back it with the
// shared cache. perHour <= 0 lifts the limit.
func (s *Service) SetLimiter(l *ratelimit.Limiter, perHour int) {
	s.limiter = l
	s.hourly = perHour
}

// Resources lists the owner's registered resources.
func (s *Service) Resources(ctx context.Context, ownerID string) ([]*Resource, error) {
	return s.stores.Resources.ListByOwner(ctx, ownerID)
}

// Grants lists the owner's resource grants.
func (s *Service) Grants(ctx context.Context, ownerID string) ([]*Grant, error) {
	return s.stores.Grants.ListByOwner(ctx, ownerID)
}

// Call runs one invocation through the whole gate sequence. The result
// mirrors the upstream response whatever its status code; an error means
// the call was refused or the upstream could not be reached at all.
func (s *Service) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	start := time.Now()
	fail := func(outcome string, err error) (*CallResult, error) {
		s.metrics.RecordOutboundCall(outcome, time.Since(start).Seconds())
		return nil, err
	}

	grant, err := s.stores.Grants.Get(ctx, req.OwnerID, req.ResourceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fail("denied", apperr.Wrap(apperr.KindServiceUnavailable, "grant lookup failed", err))
	}
	if grant == nil || !grant.Connected() {
		return fail("denied", apperr.New(apperr.KindForbidden, "resource is not connected"))
	}

	perm := PermissionForMethod(req.Method)
	if perm == "" {
		return fail("denied", apperr.Newf(apperr.KindValidationFailed, "unsupported method %q", req.Method))
	}
	if !grant.Allows(perm) {
		return fail("denied", apperr.Newf(apperr.KindForbidden, "grant does not include %s", perm))
	}

	res, err := s.stores.Resources.Get(ctx, req.OwnerID, req.ResourceID)
	if errors.Is(err, ErrNotFound) {
		return fail("denied", apperr.New(apperr.KindNotFound, "resource not found"))
	}
	if err != nil {
		return fail("denied", apperr.Wrap(apperr.KindServiceUnavailable, "resource lookup failed", err))
	}
	if res.Status != ResourceActive {
		return fail("denied", apperr.Newf(apperr.KindConflict, "resource is %s", res.Status))
	}

	decision := s.limiter.Check(ctx, req.OwnerID+":"+req.ResourceID, s.hourly)
	if !decision.Allowed {
		return fail("rate_limited", apperr.New(apperr.KindRateLimited, "resource call limit reached").
			WithRetryAfter(decision.RetryAfter))
	}

	target, err := url.Parse(JoinURL(res.BaseEndpoint, req.Path, req.Query))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return fail("denied", apperr.New(apperr.KindValidationFailed, "resource URL is not valid http(s)"))
	}

	if gerr := s.guard.Check(ctx, target); gerr != nil {
		var blocked *BlockedError
		if errors.As(gerr, &blocked) {
			s.metrics.RecordSSRFBlock(blocked.Reason)
			s.logger.Printf("🚫 Blocked %s %s for owner %s: %s",
				strings.ToUpper(req.Method), res.Name, req.OwnerID, blocked.Reason)
		}
		s.auditCall(req, res, 0, false, gerr)
		return fail("ssrf_blocked", apperr.Wrap(apperr.KindForbidden, "destination address is not allowed", gerr))
	}

	if int64(len(req.Body)) > s.maxBody {
		return fail("denied", apperr.Newf(apperr.KindValidationFailed, "request body exceeds %d bytes", s.maxBody))
	}

	auth, err := s.decryptAuth(res)
	if err != nil {
		s.logger.Printf("❌ Auth decrypt failed for resource %s: %v", res.ID, err)
		return fail("denied", apperr.New(apperr.KindInternal, "resource credentials unavailable"))
	}

	result, err := s.execute(ctx, req, target, auth)
	if err != nil {
		s.auditCall(req, res, 0, false, err)
		return fail("upstream_error", apperr.Wrap(apperr.KindServiceUnavailable, "upstream request failed", err))
	}
	result.DurationMs = time.Since(start).Milliseconds()

	s.auditCall(req, res, result.Status, true, nil)
	if s.emitter != nil {
		s.emitter.Emit(EventResourceCalled, req.OwnerID, map[string]interface{}{
			"resource_id": res.ID,
			"resource":    res.Name,
			"method":      strings.ToUpper(req.Method),
			"path":        req.Path,
			"status":      result.Status,
			"duration_ms": result.DurationMs,
		})
	}
	s.metrics.RecordOutboundCall("ok", time.Since(start).Seconds())
	return result, nil
}

// execute performs the bounded HTTP exchange.
func (s *Service) execute(ctx context.Context, req CallRequest, target *url.URL, auth *AuthConfig) (*CallResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(cctx, strings.ToUpper(req.Method), target.String(), body)
	if err != nil {
		return nil, err
	}
	copyFilteredHeaders(hreq.Header, req.Headers)
	injectAuth(hreq, auth)

	resp, err := s.roundTrip(cctx, target.Hostname(), hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable without
	// pulling an unbounded body into memory.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, err
	}
	truncated := int64(len(payload)) > s.maxBody
	if truncated {
		payload = payload[:s.maxBody]
	}

	return &CallResult{
		Status:    resp.StatusCode,
		Headers:   resp.Header.Clone(),
		Body:      payload,
		Truncated: truncated,
	}, nil
}

// roundTrip sends the request, through the host's circuit breaker when
// breakers are wired.
func (s *Service) roundTrip(ctx context.Context, host string, hreq *http.Request) (*http.Response, error) {
	if s.breakers == nil {
		return s.client.Do(hreq)
	}
	out, err := s.breakers.Outbound(host).ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.Do(hreq.WithContext(ctx))
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// auditCall records the invocation. Secrets and bodies stay out of the row.
func (s *Service) auditCall(req CallRequest, res *Resource, status int, success bool, cause error) {
	if s.recorder == nil {
		return
	}
	e := audit.Event{
		ActorID:   req.OwnerID,
		EventType: audit.EventResourceCall,
		TargetID:  res.ID,
		Success:   success,
		Metadata: map[string]interface{}{
			"resource": res.Name,
			"method":   strings.ToUpper(req.Method),
			"path":     req.Path,
			"status":   status,
		},
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	s.recorder.Record(context.Background(), e)
}

// decryptAuth unseals the resource credential blob. Resources registered
// without credentials return nil.
func (s *Service) decryptAuth(res *Resource) (*AuthConfig, error) {
	if res.EncryptedAuth == "" {
		return nil, nil
	}
	plain, err := s.keyring.Decrypt(res.EncryptedAuth)
	if err != nil {
		return nil, err
	}
	var auth AuthConfig
	if err := json.Unmarshal(plain, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// strippedHeaders never forward upstream. The fabric speaks for itself and
// the caller's browser context stays on this side of it.
var strippedHeaders = map[string]bool{
	"authorization": true,
	"host":          true,
	"cookie":        true,
	"x-real-ip":     true,
	"referer":       true,
	"origin":        true,
}

func copyFilteredHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if strippedHeaders[lower] || strings.HasPrefix(lower, "x-forwarded-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// injectAuth attaches resource credentials after the caller's own headers
// have been filtered away.
func injectAuth(hreq *http.Request, auth *AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case AuthBearer:
		hreq.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthAPIKey:
		if auth.In == "query" {
			param := auth.QueryParam
			if param == "" {
				param = "api_key"
			}
			q := hreq.URL.Query()
			q.Set(param, auth.Token)
			hreq.URL.RawQuery = q.Encode()
		} else {
			name := auth.HeaderName
			if name == "" {
				name = "X-Api-Key"
			}
			hreq.Header.Set(name, auth.Token)
		}
	case AuthBasic:
		hreq.SetBasicAuth(auth.Username, auth.Password)
	}
}

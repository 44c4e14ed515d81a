// Package httpapi assembles the control plane's HTTP surface: the router,
// the middleware tiers (CORS, request metrics, session and ephemeral
// authentication, tenant rate limiting) and the handlers that translate
// between the wire and the engines beneath.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/approval"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/credsync"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/gateway"
	"github.com/ocmt/control-plane/internal/identity"
	"github.com/ocmt/control-plane/internal/keyring"
	"github.com/ocmt/control-plane/internal/metrics"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/outbound"
	"github.com/ocmt/control-plane/internal/ratelimit"
	"github.com/ocmt/control-plane/internal/storage"
	"github.com/ocmt/control-plane/internal/vault"
)

// Store is the slice of row storage the HTTP layer touches directly.
// *storage.Client implements it; tests substitute an in-memory fake.
type Store interface {
	GetOwner(ctx context.Context, ownerID string) (*storage.OwnerRow, error)
	GetVault(ctx context.Context, ownerID string) (*storage.VaultRow, error)
	PutVault(ctx context.Context, ownerID string, blob json.RawMessage) error
	InsertSubscription(ctx context.Context, row *storage.SubscriptionRow) error
	DeleteSubscription(ctx context.Context, ownerID, id string) error
}

var _ Store = (*storage.Client)(nil)

// Deps carries everything the HTTP layer serves. CredSync and Proxy are
// optional; they are nil when no sandbox base URL is configured. Emitter is
// optional too: leave it nil and emits go straight to Bus, set it to the
// Pub/Sub-backed bus and emits are persisted before fanning out.
type Deps struct {
	Config    *config.Config
	Auth      *identity.Authenticator
	Vault     *vault.Engine
	Sessions  *vault.SessionManager
	Store     Store
	Tokens    *gateway.Service
	Approvals *approval.Service
	Alerts    *alerting.Engine
	Outbound  *outbound.Service
	Auditor   *audit.Recorder
	Bus       *events.Bus
	Emitter   events.Emitter
	WSFeed    *events.WSFeed
	Proxy     *events.ContainerProxy
	Registry  *notify.Registry
	Notifier  notify.Sender
	Ring      *keyring.Keyring
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	CredSync  *credsync.Syncer
}

// Server is the assembled HTTP surface.
type Server struct {
	cfg       *config.Config
	auth      *identity.Authenticator
	vault     *vault.Engine
	sessions  *vault.SessionManager
	store     Store
	tokens    *gateway.Service
	approvals *approval.Service
	alerts    *alerting.Engine
	outbound  *outbound.Service
	auditor   *audit.Recorder
	bus       *events.Bus
	emitter   events.Emitter
	wsfeed    *events.WSFeed
	proxy     *events.ContainerProxy
	registry  *notify.Registry
	notifier  notify.Sender
	ring      *keyring.Keyring
	metrics   *metrics.Metrics
	syncer    *credsync.Syncer

	limitMW    func(http.Handler) http.Handler
	trusted    []*net.IPNet
	production bool
	logger     *log.Logger
	started    time.Time

	healthMu     sync.RWMutex
	healthProbes []healthProbe
	healthStatus map[string]string
	healthAt     time.Time

	httpSrv *http.Server
}

// NewServer wires the surface together. The trusted-proxy CIDR list is
// parsed once here; a malformed entry refuses to boot rather than silently
// trusting nothing.
func NewServer(d Deps) (*Server, error) {
	trusted, err := ratelimit.ParseCIDRs(d.Config.Server.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted proxy config: %w", err)
	}

	s := &Server{
		cfg:          d.Config,
		auth:         d.Auth,
		vault:        d.Vault,
		sessions:     d.Sessions,
		store:        d.Store,
		tokens:       d.Tokens,
		approvals:    d.Approvals,
		alerts:       d.Alerts,
		outbound:     d.Outbound,
		auditor:      d.Auditor,
		bus:          d.Bus,
		emitter:      d.Emitter,
		wsfeed:       d.WSFeed,
		proxy:        d.Proxy,
		registry:     d.Registry,
		notifier:     d.Notifier,
		ring:         d.Ring,
		metrics:      d.Metrics,
		syncer:       d.CredSync,
		trusted:      trusted,
		production:   strings.EqualFold(d.Config.Server.Env, "production"),
		logger:       log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		started:      time.Now(),
		healthStatus: make(map[string]string),
	}
	if s.emitter == nil {
		s.emitter = d.Bus
	}
	s.limitMW = ratelimit.Middleware(d.Limiter, s.resolveLimit)
	return s, nil
}

// ============================================================================
// ROUTER
// ============================================================================

// Middleware tier helpers. Authentication always runs before admission so
// the limiter counts against the tenant, not the proxy address.

func (s *Server) session(h http.HandlerFunc) http.Handler {
	return s.requireSession(h)
}

func (s *Server) sessionLimited(h http.HandlerFunc) http.Handler {
	return s.requireSession(s.limited(h))
}

func (s *Server) ephemeral(h http.HandlerFunc) http.Handler {
	return s.requireEphemeral(h)
}

func (s *Server) ephemeralLimited(h http.HandlerFunc) http.Handler {
	return s.requireEphemeral(s.limited(h))
}

func (s *Server) eitherLimited(h http.HandlerFunc) http.Handler {
	return s.requireAny(s.limited(h))
}

// Routes builds the full router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors, s.requestMetrics)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: "no such route"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "validation_failed", Message: "method not allowed"})
	})

	// --- Ops ---
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// --- Vault ---
	r.Handle("/api/vault", s.sessionLimited(s.handleVaultCreate)).Methods("POST")
	r.Handle("/api/vault", s.sessionLimited(s.handleVaultGet)).Methods("GET")
	r.Handle("/api/vault", s.sessionLimited(s.handleVaultUpdate)).Methods("PUT")
	r.Handle("/api/vault/unlock", s.sessionLimited(s.handleVaultUnlock)).Methods("POST")
	r.Handle("/api/vault/recover", s.sessionLimited(s.handleVaultRecover)).Methods("POST")
	r.Handle("/api/vault/password", s.sessionLimited(s.handleVaultPassword)).Methods("POST")
	r.Handle("/api/vault/lock", s.session(s.handleVaultLock)).Methods("POST")

	// --- Gateway tokens ---
	r.Handle("/api/gateway/token", s.sessionLimited(s.handleTokenRotate)).Methods("POST")
	r.Handle("/api/gateway/token/ephemeral", s.sessionLimited(s.handleTokenEphemeral)).Methods("POST")
	r.HandleFunc("/api/gateway/token/validate", s.handleTokenValidate).Methods("POST")

	// --- Capability approvals ---
	r.Handle("/api/approvals", s.ephemeralLimited(s.handleApprovalCreate)).Methods("POST")
	r.Handle("/api/approvals", s.sessionLimited(s.handleApprovalList)).Methods("GET")
	r.Handle("/api/approvals/{id}", s.session(s.handleApprovalGet)).Methods("GET")
	r.Handle("/api/approvals/{id}/approve", s.session(s.handleApprovalApprove)).Methods("POST")
	r.Handle("/api/approvals/{id}/approve-with-constraints", s.session(s.handleApprovalConstrain)).Methods("POST")
	r.Handle("/api/approvals/{id}/deny", s.session(s.handleApprovalDeny)).Methods("POST")
	r.Handle("/api/approvals/{id}/issued", s.ephemeral(s.handleApprovalIssued)).Methods("POST")

	// --- Alerts & notifications ---
	r.Handle("/api/alerts/trigger", s.ephemeral(s.handleAlertTrigger)).Methods("POST")
	r.Handle("/api/alerts/history", s.sessionLimited(s.handleAlertHistory)).Methods("GET")
	r.Handle("/api/alerts/rules", s.sessionLimited(s.handleAlertRules)).Methods("GET")
	r.Handle("/api/alerts/rules/{id}", s.sessionLimited(s.handleAlertRuleUpdate)).Methods("PUT")
	r.Handle("/api/notifications", s.sessionLimited(s.handleNotificationList)).Methods("GET")
	r.Handle("/api/notifications/{id}/read", s.session(s.handleNotificationRead)).Methods("POST")

	// --- Resources ---
	r.Handle("/api/resources", s.sessionLimited(s.handleResourceList)).Methods("GET")
	r.Handle("/api/resources/{id}/call", s.eitherLimited(s.handleResourceCall)).Methods("POST")

	// --- Audit ---
	r.Handle("/api/audit", s.sessionLimited(s.handleAuditSearch)).Methods("GET")

	// --- Event feeds ---
	r.Handle("/api/events/stream", s.session(s.handleEventStream)).Methods("GET")
	r.Handle("/api/events/ws", s.session(s.handleEventWS)).Methods("GET")
	r.Handle("/sse/container", s.session(s.handleContainerStream)).Methods("GET")

	// --- Platform webhooks ---
	r.Handle("/api/webhooks", s.sessionLimited(s.handleWebhookRegister)).Methods("POST")
	r.Handle("/api/webhooks/{id}", s.session(s.handleWebhookDelete)).Methods("DELETE")

	// Preflights need a matching route before middleware runs; the CORS
	// middleware answers them before this handler is reached.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start serves until the listener fails or Shutdown is called. There is no
// write timeout: the event streams stay open for as long as the browser
// does.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Printf("🚀 Control plane listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// HEALTH
// ============================================================================

type healthProbe struct {
	name  string
	probe func(context.Context) error
}

// RegisterCheck adds a named dependency probe to the health surface.
func (s *Server) RegisterCheck(name string, probe func(context.Context) error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthProbes = append(s.healthProbes, healthProbe{name: name, probe: probe})
	s.healthStatus[name] = "unknown"
}

// RefreshHealth runs every probe once under a short per-probe deadline.
func (s *Server) RefreshHealth(ctx context.Context) {
	s.healthMu.RLock()
	probes := make([]healthProbe, len(s.healthProbes))
	copy(probes, s.healthProbes)
	s.healthMu.RUnlock()

	results := make(map[string]string, len(probes))
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.probe(pctx); err != nil {
			results[p.name] = err.Error()
		} else {
			results[p.name] = "ok"
		}
		cancel()
	}

	s.healthMu.Lock()
	for name, status := range results {
		s.healthStatus[name] = status
	}
	s.healthAt = time.Now().UTC()
	s.healthMu.Unlock()
}

// StartHealthRefresher refreshes dependency health on a cadence until ctx
// is cancelled. The first refresh runs immediately so /health never reports
// unknown for long.
func (s *Server) StartHealthRefresher(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	go func() {
		s.RefreshHealth(ctx)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshHealth(ctx)
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthMu.RLock()
	deps := make(map[string]string, len(s.healthStatus))
	for name, status := range s.healthStatus {
		deps[name] = status
	}
	checked := s.healthAt
	s.healthMu.RUnlock()

	status := "ok"
	for _, v := range deps {
		if v != "ok" && v != "unknown" {
			status = "degraded"
			break
		}
	}

	body := map[string]interface{}{
		"status":         status,
		"region":         s.cfg.Server.Region,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"dependencies":   deps,
	}
	if !checked.IsZero() {
		body["checked_at"] = checked.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

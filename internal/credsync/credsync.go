// Package credsync keeps each owner's sandbox supplied with the integration
// records held in the owner's vault. Vault writes enqueue a push; a single
// worker per owner delivers them, and while a push is in flight the newest
// payload replaces whatever is waiting, so the sandbox converges on the
// latest vault state without replaying intermediates. Delivery is
// best-effort: a payload still pending at shutdown is dropped and the next
// vault write re-syncs.
package credsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ocmt/control-plane/internal/circuitbreaker"
	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/gateway"
	"github.com/ocmt/control-plane/internal/metrics"
)

const (
	syncPath           = "/credentials/sync"
	defaultPushTimeout = 15 * time.Second
	maxAttempts        = 3
	tokenTTLSeconds    = gateway.MinTTLSeconds
)

// TokenMinter mints the short-lived credential a push presents to the
// sandbox.
type TokenMinter interface {
	MintEphemeral(ctx context.Context, ownerID string, ttlSeconds int64) (string, error)
}

type pushBody struct {
	Integrations json.RawMessage `json:"integrations"`
}

type worker struct {
	inbox chan json.RawMessage
}

// Syncer owns the per-owner sync workers. Workers start on an owner's first
// sync and stay resident until Close; owner cardinality is bounded by
// tenancy, not by request volume.
type Syncer struct {
	baseURL   string
	minter    TokenMinter
	metrics   *metrics.Metrics
	breaker   *circuitbreaker.CircuitBreaker
	client    *http.Client
	logger    *log.Logger
	timeout   time.Duration
	retryBase time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.SandboxConfig, minter TokenMinter, m *metrics.Metrics) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		minter:    minter,
		metrics:   m,
		client:    &http.Client{Timeout: defaultPushTimeout},
		logger:    log.New(log.Writer(), "[CREDSYNC] ", log.LstdFlags),
		timeout:   defaultPushTimeout,
		retryBase: time.Second,
		workers:   make(map[string]*worker),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetBreaker guards pushes with the shared sandbox breaker.
func (s *Syncer) SetBreaker(b *circuitbreaker.CircuitBreaker) { s.breaker = b }

// Sync schedules a push of the owner's integration document. The newest
// payload always wins: anything still waiting for this owner is replaced.
func (s *Syncer) Sync(ownerID string, integrations json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	w, ok := s.workers[ownerID]
	if !ok {
		w = &worker{inbox: make(chan json.RawMessage, 1)}
		s.workers[ownerID] = w
		s.wg.Add(1)
		go s.run(ownerID, w)
	}
	s.mu.Unlock()

	for {
		select {
		case w.inbox <- integrations:
			return
		default:
		}
		// Inbox full: discard the superseded payload and try the send again.
		select {
		case <-w.inbox:
			s.metrics.RecordCredSync("superseded")
		default:
		}
	}
}

// Close stops every worker and waits for in-flight pushes to settle.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Syncer) run(ownerID string, w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-w.inbox:
			s.push(ownerID, w, payload)
		}
	}
}

func (s *Syncer) push(ownerID string, w *worker, integrations json.RawMessage) {
	body, err := json.Marshal(pushBody{Integrations: integrations})
	if err != nil {
		s.logger.Printf("❌ Sync for owner %s: encode failed: %v", ownerID, err)
		return
	}

	var outcome string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err = s.attempt(ownerID, body)
		if err == nil {
			s.metrics.RecordCredSync("ok")
			s.logger.Printf("📤 Synced credentials for owner %s", ownerID)
			return
		}
		if len(w.inbox) > 0 {
			// A fresher document is already waiting; this one is obsolete.
			s.metrics.RecordCredSync("superseded")
			return
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt*attempt) * s.retryBase):
			case <-s.ctx.Done():
				return
			}
		}
	}

	s.metrics.RecordCredSync(outcome)
	s.logger.Printf("❌ Sync for owner %s failed after %d attempts: %v", ownerID, maxAttempts, err)
}

func (s *Syncer) attempt(ownerID string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	token, err := s.minter.MintEphemeral(ctx, ownerID, tokenTTLSeconds)
	if err != nil {
		return "token_error", fmt.Errorf("mint ephemeral: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+syncPath, bytes.NewReader(body))
	if err != nil {
		return "upstream_error", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	do := func(ctx context.Context) (interface{}, error) {
		resp, err := s.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("sandbox returned %d", resp.StatusCode)
		}
		return nil, nil
	}

	if s.breaker != nil {
		_, err = s.breaker.ExecuteContext(ctx, do)
	} else {
		_, err = do(ctx)
	}
	if err != nil {
		return "upstream_error", err
	}
	return "ok", nil
}

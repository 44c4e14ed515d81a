package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ocmt/control-plane/internal/circuitbreaker"
	"github.com/ocmt/control-plane/internal/config"
)

const mailerTimeout = 10 * time.Second

// Mailer sends transactional mail through the configured delivery
// service. An unconfigured mailer accepts sends and does nothing, so
// callers never have to special-case deployments without email.
type Mailer struct {
	endpoint string
	from     string
	apiKey   string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   *log.Logger
}

// NewMailer builds a mailer from the notify configuration.
func NewMailer(cfg config.NotifyConfig, breaker *circuitbreaker.CircuitBreaker) *Mailer {
	return &Mailer{
		endpoint: strings.TrimRight(cfg.MailerEndpoint, "/"),
		from:     cfg.MailerFrom,
		apiKey:   cfg.MailerAPIKey,
		client:   &http.Client{Timeout: mailerTimeout},
		breaker:  breaker,
		logger:   log.New(log.Writer(), "[MAILER] ", log.LstdFlags),
	}
}

// Enabled reports whether a delivery endpoint is configured.
func (m *Mailer) Enabled() bool {
	return m.endpoint != ""
}

type mailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send posts one message to the mail service. A missing recipient is not
// an error: owners without a delivery address simply do not receive mail.
func (m *Mailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if !m.Enabled() || to == "" {
		return nil
	}

	body, err := json.Marshal(mailMessage{From: m.from, To: to, Subject: subject, HTML: htmlBody})
	if err != nil {
		return fmt.Errorf("failed to encode mail: %w", err)
	}

	send := func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if m.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.apiKey)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("mailer returned status %d", resp.StatusCode)
		}
		return nil, nil
	}

	if m.breaker != nil {
		_, err = m.breaker.ExecuteContext(ctx, send)
	} else {
		_, err = send(ctx)
	}
	if err != nil {
		m.logger.Printf("❌ Mail send failed: %v", err)
		return err
	}
	return nil
}

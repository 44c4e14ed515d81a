package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
)

// errChannelUnconfigured marks a channel the owner has not set up. It is
// a skip, not a delivery failure.
var errChannelUnconfigured = errors.New("channel not configured")

func (e *Engine) dispatch(ctx context.Context, ch ChannelType, a *Alert) error {
	ctx, cancel := context.WithTimeout(ctx, channelTimeout)
	defer cancel()

	switch ch {
	case ChannelInApp:
		return e.sendInApp(ctx, a)
	case ChannelEmail:
		return e.sendEmail(ctx, a)
	case ChannelSlack:
		return e.sendSlack(ctx, a)
	case ChannelDiscord:
		return e.sendDiscord(ctx, a)
	case ChannelWebhook:
		return e.sendWebhook(ctx, a)
	default:
		return fmt.Errorf("unknown channel %q", ch)
	}
}

// ============================================================================
// IN-APP
// ============================================================================

func (e *Engine) sendInApp(ctx context.Context, a *Alert) error {
	n := &Notification{
		ID:        uuid.NewString(),
		OwnerID:   a.OwnerID,
		Title:     a.Title,
		Message:   a.Message,
		Severity:  a.Severity,
		CreatedAt: a.CreatedAt,
	}
	if err := e.stores.Notifications.Insert(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	if e.emitter != nil {
		e.emitter.Emit("alert", a.OwnerID, map[string]interface{}{
			"notification_id": n.ID,
			"event_type":      a.EventType,
			"title":           a.Title,
			"message":         a.Message,
			"severity":        string(a.Severity),
			"color":           ColorFor(a.Severity),
		})
	}
	return nil
}

// ============================================================================
// EMAIL
// ============================================================================

func (e *Engine) sendEmail(ctx context.Context, a *Alert) error {
	if e.mailer == nil || !e.mailer.Enabled() || e.recipient == nil {
		return errChannelUnconfigured
	}
	addr, err := e.recipient(ctx, a.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to resolve recipient: %w", err)
	}
	if addr == "" {
		// Owners without an address simply do not get mail.
		return errChannelUnconfigured
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	return e.mailer.Send(ctx, addr, subject, emailHTML(a))
}

func emailHTML(a *Alert) string {
	return fmt.Sprintf(
		`<div style="border-left:4px solid %s;padding:8px 12px;font-family:sans-serif">`+
			`<h2 style="margin:0 0 8px">%s</h2>`+
			`<p style="margin:0">%s</p>`+
			`<p style="color:#6B7280;font-size:12px;margin:8px 0 0">%s · %s</p>`+
			`</div>`,
		ColorFor(a.Severity),
		html.EscapeString(a.Title),
		html.EscapeString(a.Message),
		html.EscapeString(a.EventType),
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
}

// ============================================================================
// SLACK
// ============================================================================

func (e *Engine) sendSlack(ctx context.Context, a *Alert) error {
	auth, err := e.channelAuth(ctx, a.OwnerID, ChannelSlack)
	if err != nil {
		return err
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, a.Title, false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, a.Message, false, false), nil, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s* · `%s` · %s", a.Severity, a.EventType, a.CreatedAt.UTC().Format(time.RFC3339)),
				false, false)),
	}
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  ColorFor(a.Severity),
			Blocks: slack.Blocks{BlockSet: blocks},
		}},
	}

	return e.throughBreaker(ctx, string(ChannelSlack)+":"+a.OwnerID, func(ctx context.Context) error {
		return slack.PostWebhookCustomHTTPContext(ctx, auth.URL, e.client, msg)
	})
}

// ============================================================================
// DISCORD
// ============================================================================

func discordColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xDC2626
	case SeverityWarning:
		return 0xF59E0B
	default:
		return 0x6366F1
	}
}

func (e *Engine) sendDiscord(ctx context.Context, a *Alert) error {
	auth, err := e.channelAuth(ctx, a.OwnerID, ChannelDiscord)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       a.Title,
			"description": a.Message,
			"color":       discordColor(a.Severity),
			"timestamp":   a.CreatedAt.UTC().Format(time.RFC3339),
			"fields": []map[string]interface{}{
				{"name": "Event", "value": a.EventType, "inline": true},
				{"name": "Severity", "value": string(a.Severity), "inline": true},
			},
		}},
	}
	return e.postJSON(ctx, string(ChannelDiscord)+":"+a.OwnerID, auth.URL, "", payload)
}

// ============================================================================
// GENERIC WEBHOOK
// ============================================================================

func (e *Engine) sendWebhook(ctx context.Context, a *Alert) error {
	auth, err := e.channelAuth(ctx, a.OwnerID, ChannelWebhook)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"event_type": a.EventType,
		"owner_id":   a.OwnerID,
		"group_id":   a.GroupID,
		"title":      a.Title,
		"message":    a.Message,
		"severity":   string(a.Severity),
		"color":      ColorFor(a.Severity),
		"metadata":   a.Metadata,
		"timestamp":  a.CreatedAt.UTC().Format(time.RFC3339),
	}
	return e.postJSON(ctx, string(ChannelWebhook)+":"+a.OwnerID, auth.URL, auth.Token, payload)
}

// ============================================================================
// SHARED DELIVERY PLUMBING
// ============================================================================

// channelAuth loads and decrypts one owner's channel target. The auth blob
// stays ciphertext until this point.
func (e *Engine) channelAuth(ctx context.Context, ownerID string, t ChannelType) (*ChannelAuth, error) {
	if e.stores.Channels == nil || e.keyring == nil {
		return nil, errChannelUnconfigured
	}
	cfg, err := e.stores.Channels.Get(ctx, ownerID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s channel config: %w", t, err)
	}
	if cfg == nil || !cfg.Enabled {
		return nil, errChannelUnconfigured
	}
	raw, err := e.keyring.Decrypt(cfg.EncryptedAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s channel auth: %w", t, err)
	}
	var auth ChannelAuth
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("failed to parse %s channel auth: %w", t, err)
	}
	if auth.URL == "" {
		return nil, errChannelUnconfigured
	}
	return &auth, nil
}

func (e *Engine) postJSON(ctx context.Context, target, url, bearer string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode channel payload: %w", err)
	}
	return e.throughBreaker(ctx, target, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("channel endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// throughBreaker runs one delivery through the target's circuit breaker,
// when breakers are wired.
func (e *Engine) throughBreaker(ctx context.Context, target string, do func(context.Context) error) error {
	if e.breakers == nil {
		return do(ctx)
	}
	_, err := e.breakers.Channel(target).ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, do(ctx)
	})
	return err
}

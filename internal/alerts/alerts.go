// Package alerts pages operators about conditions that need a human:
// unbalanced escrows, frozen pairings and ledger drift.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/metrics"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Kind identifies the condition being paged.
type Kind string

const (
	KindUnbalancedEscrow Kind = "unbalanced_escrow"
	KindLedgerMismatch   Kind = "ledger_mismatch"
	KindStuckEscrow      Kind = "stuck_escrow"
	KindRefundStranded   Kind = "refund_stranded"
	KindMovementInDoubt  Kind = "movement_in_doubt"
)

// Alert is one operator page.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Kind      Kind      `json:"kind"`
	PairingID string    `json:"pairingId,omitempty"`
	EscrowID  string    `json:"escrowId,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds an alert with a fresh id and timestamp.
func New(sev Severity, kind Kind, pairingID, escrowID, message string) *Alert {
	return &Alert{
		ID:        idgen.WithPrefix(idgen.PrefixAlert),
		Severity:  sev,
		Kind:      kind,
		PairingID: pairingID,
		EscrowID:  escrowID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// Pager delivers alerts.
type Pager interface {
	Page(ctx context.Context, a *Alert) error
}

// LogPager writes alerts to the structured log.
type LogPager struct {
	logger *slog.Logger
}

// NewLogPager creates a pager that logs at error level.
func NewLogPager(logger *slog.Logger) *LogPager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPager{logger: logger}
}

// Page implements Pager.
func (p *LogPager) Page(_ context.Context, a *Alert) error {
	p.logger.Error("operator alert",
		"alert_id", a.ID, "severity", a.Severity, "kind", a.Kind,
		"pairing_id", a.PairingID, "escrow_id", a.EscrowID, "message", a.Message)
	metrics.AlertsTotal.WithLabelValues(string(a.Kind), "logged").Inc()
	return nil
}

// WebhookPager posts alerts as signed JSON to an incident endpoint.
type WebhookPager struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookPager creates a webhook pager. An empty secret disables signing.
func NewWebhookPager(url, secret string) *WebhookPager {
	return &WebhookPager{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Page implements Pager.
func (p *WebhookPager) Page(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerts: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alerts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Carpool-Alert", string(a.Kind))
	req.Header.Set("X-Carpool-Timestamp", strconv.FormatInt(a.CreatedAt.Unix(), 10))
	if p.secret != "" {
		req.Header.Set("X-Carpool-Signature", Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.AlertsTotal.WithLabelValues(string(a.Kind), "error").Inc()
		return fmt.Errorf("alerts: deliver %s: %w", a.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.AlertsTotal.WithLabelValues(string(a.Kind), "error").Inc()
		return fmt.Errorf("alerts: deliver %s: status %d", a.ID, resp.StatusCode)
	}
	metrics.AlertsTotal.WithLabelValues(string(a.Kind), "delivered").Inc()
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Multi fans an alert out to every pager. All pagers are attempted; the
// joined errors are returned.
type Multi []Pager

// Page implements Pager.
func (m Multi) Page(ctx context.Context, a *Alert) error {
	var errs []error
	for _, p := range m {
		if err := p.Page(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

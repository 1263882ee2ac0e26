package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Status of a reported run.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Notification summarizes one scheduled ingestion and feature run.
type Notification struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Status    Status            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Rows      int               `json:"rows"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func newClient() *resty.Client {
	return resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "ridecast/1.0")
}

// post sends body as JSON and treats any non-2xx response as an error.
func post(ctx context.Context, client *resty.Client, url string, body any, headers map[string]string) error {
	resp, err := client.R().SetContext(ctx).SetHeaders(headers).SetBody(body).Post(url)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("status %d", resp.StatusCode())
	}
	return nil
}

func icon(s Status) string {
	if s == StatusOK {
		return "✅"
	}
	return "❌"
}

package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TransitionEvent describes one committed status change.
type TransitionEvent struct {
	Type       string         `json:"event"`
	InstanceID string         `json:"instance_id"`
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version"`
	TenantID   string         `json:"tenant_id,omitempty"`
	From       Status         `json:"from,omitempty"`
	To         Status         `json:"to"`
	ActivityID string         `json:"activity_id,omitempty"`
	Error      *InstanceError `json:"error,omitempty"`
	At         time.Time      `json:"ts"`
}

func newTransitionEvent(inst Instance, from Status, at time.Time) TransitionEvent {
	return TransitionEvent{
		Type:       "instance." + strings.ToLower(string(inst.Status)),
		InstanceID: inst.ID,
		WorkflowID: inst.WorkflowID,
		Version:    inst.Version,
		TenantID:   inst.TenantID,
		From:       from,
		To:         inst.Status,
		ActivityID: inst.CurrentActivityID,
		Error:      inst.Error,
		At:         at,
	}
}

// Observer is told about every committed status change. Observers run after
// the write and cannot affect it.
type Observer interface {
	Observe(ctx context.Context, ev TransitionEvent)
}

// Notifier forwards transitions to the audit-log and event-bus HTTP endpoints.
type Notifier struct {
	auditLog *endpoint
	eventBus *endpoint
	client   *http.Client
	logger   *zap.Logger
}

type endpoint struct {
	baseURL string
	timeout time.Duration
}

func NewNotifier(client *http.Client, logger *zap.Logger, auditURL, eventURL, timeout string) *Notifier {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		auditLog: parseEndpoint(auditURL, timeout),
		eventBus: parseEndpoint(eventURL, timeout),
		client:   client,
		logger:   logger,
	}
}

func (n *Notifier) Observe(ctx context.Context, ev TransitionEvent) {
	if n == nil {
		return
	}
	n.postAudit(ctx, ev)
	n.postEventBus(ctx, ev)
}

func (n *Notifier) postAudit(ctx context.Context, ev TransitionEvent) {
	if n.auditLog == nil {
		return
	}
	n.postJSON(ctx, n.auditLog, "/v1/events", ev)
}

func (n *Notifier) postEventBus(ctx context.Context, ev TransitionEvent) {
	if n.eventBus == nil {
		return
	}
	body := map[string]any{
		"topic":   ev.Type,
		"payload": ev,
	}
	n.postJSON(ctx, n.eventBus, "/v1/events", body)
}

func (n *Notifier) postJSON(ctx context.Context, ep *endpoint, path string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("transition notification failed", zap.String("url", ep.baseURL), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("transition notification rejected", zap.String("url", ep.baseURL), zap.Int("status", resp.StatusCode))
	}
}

func parseEndpoint(url, timeout string) *endpoint {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return nil
	}
	dur, err := time.ParseDuration(timeout)
	if err != nil || dur <= 0 {
		dur = 5 * time.Second
	}
	return &endpoint{baseURL: url, timeout: dur}
}

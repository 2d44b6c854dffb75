// Package alert notifies operators about failed runs. Delivery is best
// effort: the pipeline never lets an alerting error mask the failure it
// reports.
package alert

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WebhookConfig points at the operator's incoming-webhook endpoint.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook posts failure notifications as JSON to a webhook URL.
type Webhook struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhook builds a webhook alerter.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		client: resty.New().SetTimeout(timeout),
		url:    cfg.URL,
		logger: logger,
	}
}

type failurePayload struct {
	RunID   string `json:"run_id"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
}

// NotifyFailure implements tender.Alerter.
func (w *Webhook) NotifyFailure(ctx context.Context, runID, summary string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(failurePayload{RunID: runID, Summary: summary, Source: "tender-crawler"}).
		Post(w.url)
	if err != nil {
		return eris.Wrap(err, "post failure alert")
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return eris.Errorf("failure alert: status %d", resp.StatusCode())
	}
	w.logger.Info("failure alert delivered", zap.String("run_id", runID))
	return nil
}

// LogOnly records failures in the log stream without external delivery;
// the default when no webhook is configured.
type LogOnly struct {
	logger *zap.Logger
}

// NewLogOnly builds a log-only alerter.
func NewLogOnly(logger *zap.Logger) *LogOnly {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOnly{logger: logger}
}

// NotifyFailure implements tender.Alerter.
func (l *LogOnly) NotifyFailure(_ context.Context, runID, summary string) error {
	l.logger.Error("run failed",
		zap.String("run_id", runID),
		zap.String("summary", summary),
	)
	return nil
}

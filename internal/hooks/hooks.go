// Package hooks delivers fire-and-forget webhook notifications for session
// lifecycle events.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds one webhook URL per event; empty URLs disable the event.
type Config struct {
	QueuedURL  string
	TimeoutURL string
	ErrorURL   string
}

// Notifier posts lifecycle events to configured webhook URLs. Deliveries are
// asynchronous and best-effort; failures are logged and never propagated.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds a Notifier.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// OnQueued fires the queued webhook.
func (n *Notifier) OnQueued() { n.post(n.cfg.QueuedURL, "queued") }

// OnTimeout fires the timeout webhook.
func (n *Notifier) OnTimeout() { n.post(n.cfg.TimeoutURL, "timeout") }

// OnError fires the error webhook.
func (n *Notifier) OnError() { n.post(n.cfg.ErrorURL, "error") }

func (n *Notifier) post(url, event string) {
	if url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		body, err := json.Marshal(map[string]string{
			"event": event,
			"time":  time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			n.logger.Warn("marshal hook payload", zap.Error(err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			n.logger.Warn("build hook request", zap.String("event", event), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("deliver hook", zap.String("event", event), zap.Error(err))
			return
		}
		_ = resp.Body.Close()
	}()
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"leadmarket-platform/pkg/logger"

	"github.com/hibiken/asynq"
)

// Worker delivers queued notifications to an HTTP webhook.
type Worker struct {
	webhookURL string
	http       *http.Client
	log        *slog.Logger
}

func NewWorker(webhookURL string, client *http.Client, log *slog.Logger) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{webhookURL: webhookURL, http: client, log: logger.OrDefault(log)}
}

func (w *Worker) HandleDeliverNotification(ctx context.Context, t *asynq.Task) error {
	var e Event
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if w.webhookURL == "" {
		w.log.Info("notification dropped, no webhook configured", "kind", e.Kind, "user_id", e.UserID)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(t.Payload()))
	if err != nil {
		return fmt.Errorf("build request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook rejected notification with status %d: %w", resp.StatusCode, asynq.SkipRetry)
	}
	return nil
}

// NewServeMux registers the notification handlers.
func NewServeMux(w *Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeliverNotification, w.HandleDeliverNotification)
	return mux
}

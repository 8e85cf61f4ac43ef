package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felipepmaragno/llm-chat-proxy/internal/probe"
)

// Watcher turns probe reports into down/up notifications. It only notifies on
// transitions, so repeated failing probes produce a single endpoint_down.
type Watcher struct {
	notifier Notifier

	mu    sync.Mutex
	known bool
	up    bool
}

func NewWatcher(notifier Notifier) *Watcher {
	return &Watcher{notifier: notifier}
}

// Observe records report and sends a notification when availability changed.
// The first report only notifies when no endpoint answered.
func (w *Watcher) Observe(ctx context.Context, report *probe.Report) {
	if report == nil {
		return
	}

	up := report.OK()

	w.mu.Lock()
	changed := (!w.known && !up) || (w.known && w.up != up)
	w.known = true
	w.up = up
	w.mu.Unlock()

	if !changed {
		return
	}

	n := Notification{
		Model: report.Model,
		Data: map[string]interface{}{
			"endpoints_tested": report.EndpointsTested,
			"time":             report.Time,
		},
	}
	if up {
		n.Type = NotificationEndpointUp
		n.Endpoint = report.WorkingEndpoint
		n.Message = fmt.Sprintf("Inference server reachable at %s", report.WorkingEndpoint)
	} else {
		n.Type = NotificationEndpointDown
		if len(report.EndpointsTested) > 0 {
			n.Endpoint = report.EndpointsTested[0]
		}
		n.Message = fmt.Sprintf("No inference endpoint answered for model %s", report.Model)
	}

	if err := w.notifier.Send(ctx, n); err != nil {
		slog.Error("failed to send endpoint notification", "type", n.Type, "error", err)
	}
}

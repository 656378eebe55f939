// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook serves the provider's push endpoint. Validation probes
// are echoed; notification batches are acknowledged immediately and
// dispatched to the pipeline in the background. The response is always an
// acceptance: surfacing a failure would only make the provider re-deliver
// against an idempotent claim the dedup layers already absorb.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/draftwise/pipeline/internal/models"
	"github.com/draftwise/pipeline/internal/pipeline"
)

// Pipeline is the dedup/scheduling service surface the handler dispatches to.
type Pipeline interface {
	HandleCreated(ctx context.Context, n models.ChangeNotification) pipeline.Outcome
	HandleDeleted(ctx context.Context, n models.ChangeNotification) pipeline.Outcome
}

// Handler processes provider push notifications.
type Handler struct {
	pipeline Pipeline
}

// NewHandler creates a push notification handler.
func NewHandler(p Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// ServeNotification handles push endpoint requests.
//
// Validation flow: any request carrying ?validationToken=<token> is a
// subscription-validation handshake and must be answered 200 with the
// token echoed verbatim as plain text.
//
// Notification flow: POST with a JSON batch, answered 202 immediately and
// processed in the background.
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload models.NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, treating as probe",
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond before processing — the provider expects a fast answer.
	w.WriteHeader(http.StatusAccepted)

	go h.dispatch(context.Background(), payload.Value)
}

// dispatch routes each event in a batch to the matching pipeline path.
func (h *Handler) dispatch(ctx context.Context, notifications []models.ChangeNotification) {
	for _, n := range notifications {
		switch n.ChangeType {
		case models.ChangeCreated:
			out := h.pipeline.HandleCreated(ctx, n)
			slog.Debug("creation event handled",
				"resource", n.Resource,
				"outcome", out.Code,
			)
		case models.ChangeDeleted:
			out := h.pipeline.HandleDeleted(ctx, n)
			slog.Debug("deletion event handled",
				"resource", n.Resource,
				"outcome", out.Code,
			)
		default:
			slog.Debug("ignoring notification with unhandled change type",
				"change_type", n.ChangeType,
				"resource", n.Resource,
			)
		}
	}
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// accepting connections, so subscriptions can be registered only once the
// provider's validation probe will succeed.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/notifications", handler.ServeNotification)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}

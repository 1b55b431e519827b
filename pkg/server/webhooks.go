package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/geoplatform/arcgis-relay/pkg/httputil"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/webhooks"
)

// handleWebhook queues portal events and acknowledges at once
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid body")
		return
	}

	if secret := s.cfg.Webhooks.Secret; secret != "" {
		if !webhooks.VerifySignature(body, r.Header.Get(webhooks.SignatureHeader), secret) {
			logger.Warn("Webhook signature rejected")
			httputil.WriteUnauthorized(w)
			return
		}
	}

	var payload webhooks.Payload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		httputil.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if len(payload.Events) == 0 {
		httputil.WriteText(w, http.StatusOK, "OK")
		return
	}

	if s.queue == nil {
		logger.Error("Webhook received but no queue is configured")
		httputil.WriteInternalError(w)
		return
	}
	if err := s.queue.Enqueue(ctx, payload.Events...); err != nil {
		logger.WithError(err).Error("Failed to queue webhook events")
		httputil.WriteInternalError(w)
		return
	}

	logger.WithField("events", len(payload.Events)).Info("Webhook events queued")
	httputil.WriteText(w, http.StatusOK, "OK")
}

// handleAddUserToGroups processes events posted back by the dispatcher
func (s *Server) handleAddUserToGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	var payload webhooks.Payload
	if !httputil.ParseJSONOrError(w, r, &payload) {
		return
	}
	if s.processor == nil {
		logger.Error("No event processor is configured")
		httputil.WriteInternalError(w)
		return
	}

	for _, event := range payload.Events {
		if err := s.processor.Process(ctx, event); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"operation": event.Operation,
				"subject":   event.Subject(),
			}).Error("Failed to process user event")
			httputil.WriteInternalError(w)
			return
		}
	}
	httputil.WriteText(w, http.StatusOK, "OK")
}

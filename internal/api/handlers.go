// Package api provides HTTP handlers for ChatRelay endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// DefaultSendTimeout bounds one operator send request.
const DefaultSendTimeout = 30 * time.Second

// sendRequest is the payload accepted by the operator send endpoint.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"service": "ChatRelay",
		"status":  "running",
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// whatsappWebhookHandler serves the Cloud API webhook: GET for the
// subscription handshake, POST for message deliveries.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		slog.Warn("Server.whatsappWebhookHandler: cloud transport not configured")
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.cloud.VerifyHandler()(w, r)
	case http.MethodPost:
		s.cloud.WebhookHandler()(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		slog.Warn("Server.twilioWebhookHandler: twilio transport not configured")
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.twilio.WebhookHandler()(w, r)
}

// sendHandler lets an operator push a text message through the active
// transport, mainly for verifying credentials after deployment.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.Body == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing required field: body")
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultSendTimeout)
	defer cancel()
	if err := s.msgService.SendMessage(ctx, canonicalTo, req.Body); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", canonicalTo)
		writeJSONError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	slog.Info("Server.sendHandler: message sent", "to", canonicalTo, "body_length", len(req.Body))
	writeJSONSuccess(w, "Message sent successfully")
}

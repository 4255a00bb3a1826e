// Package models defines the core data structures for ChatRelay.
//
// It includes types for inbound events, outbound receipts, and conversation
// sessions, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound events.
const (
	// MaxInboundTextLength defines the maximum accepted length for inbound message text.
	MaxInboundTextLength = 65536
)

// Error variables for better error handling and testability
var (
	ErrMissingConversationID = errors.New("conversation id cannot be empty")
	ErrMissingText           = errors.New("message text cannot be empty")
	ErrTextTooLong           = errors.New("message text exceeds maximum length")
)

// InboundEvent is one normalized webhook delivery: a single user message from
// some transport. EventID may be empty when the transport does not assign
// message ids; such events can never be deduplicated.
type InboundEvent struct {
	ConversationID string    `json:"conversation_id"`
	EventID        string    `json:"event_id,omitempty"`
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Validate checks that an inbound event carries enough to be processed.
// Events failing validation are dropped silently by the responder since no
// reply destination or content is known.
func (e *InboundEvent) Validate() error {
	if e.ConversationID == "" {
		return ErrMissingConversationID
	}
	if e.Text == "" {
		return ErrMissingText
	}
	if len(e.Text) > MaxInboundTextLength {
		return ErrTextTooLong
	}
	return nil
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read by the recipient.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the send attempt failed.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the status of one outbound chunk send.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Session is the volatile continuity state kept per conversation. Entries are
// logically absent once now-UpdatedAt exceeds the session TTL, or after an
// explicit reset.
type Session struct {
	ConversationID       string    `json:"conversation_id"`
	LastUserText         string    `json:"last_user_text,omitempty"`
	LastReplyText        string    `json:"last_reply_text,omitempty"`
	PendingFollowup      string    `json:"pending_followup,omitempty"`
	AwaitingConfirmation bool      `json:"awaiting_confirmation,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// SessionPatch carries a partial session update. Nil fields are left
// untouched by Set; UpdatedAt is always refreshed by the store.
type SessionPatch struct {
	LastUserText         *string
	LastReplyText        *string
	PendingFollowup      *string
	AwaitingConfirmation *bool
}

// StringPtr returns a pointer to s, for building SessionPatch values.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b, for building SessionPatch values.
func BoolPtr(b bool) *bool { return &b }

// Role identifies the author of one prior conversation turn.
type Role string

const (
	// RoleUser marks a turn authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a turn authored by the generation backend.
	RoleAssistant Role = "assistant"
)

// Turn is one prior message supplied to the generation backend as context.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// APIStatus enumerates the status values carried by APIResponse.
type APIStatus string

const (
	// APIStatusOK indicates a successful API response.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API response.
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope returned by all JSON endpoints.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

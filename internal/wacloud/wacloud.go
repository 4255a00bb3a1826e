// Package wacloud wraps the WhatsApp Cloud API (Meta Graph) for ChatRelay.
//
// It provides the send endpoint used for outbound chunks and the webhook
// payload parsing for inbound messages. The Graph API has no Go SDK; the
// wrapper speaks JSON over HTTPS directly.
package wacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Constants for the Cloud API client configuration.
const (
	// DefaultGraphVersion is the Graph API version used when none is configured.
	DefaultGraphVersion = "v19.0"
	// DefaultBaseURL is the Graph API endpoint.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultSendTimeout bounds one send request.
	DefaultSendTimeout = 15 * time.Second
)

// Sender is an interface for sending Cloud API messages (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	GraphVersion  string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithAccessToken sets the Graph API bearer token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithGraphVersion sets the Graph API version.
func WithGraphVersion(version string) Option {
	return func(o *Opts) { o.GraphVersion = version }
}

// WithBaseURL overrides the Graph endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient injects the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// Client calls the Cloud API send endpoint.
type Client struct {
	accessToken   string
	phoneNumberID string
	graphVersion  string
	baseURL       string
	httpClient    *http.Client
}

// NewClient creates a new Cloud API client, falling back to the
// WHATSAPP_ACCESS_TOKEN, WHATSAPP_PHONE_NUMBER_ID and GRAPH_API_VERSION
// environment variables for unset options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = os.Getenv("GRAPH_API_VERSION")
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = DefaultGraphVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}

	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number id must be provided")
	}

	slog.Debug("Cloud API client config loaded",
		"AccessToken_set", cfg.AccessToken != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"graph_version", cfg.GraphVersion)

	return &Client{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		graphVersion:  cfg.GraphVersion,
		baseURL:       cfg.BaseURL,
		httpClient:    cfg.HTTPClient,
	}, nil
}

// sendTextRequest is the Cloud API message payload.
type sendTextRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// SendMessage sends one text message through the Cloud API send endpoint.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	payload, err := json.Marshal(sendTextRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to encode send payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.graphVersion, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Cloud API send request failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		slog.Error("Cloud API send rejected", "status", resp.StatusCode, "to", to, "detail", string(detail))
		return fmt.Errorf("cloud api send to %s failed with HTTP %d", to, resp.StatusCode)
	}

	slog.Debug("Cloud API message sent", "to", to, "body_length", len(body))
	return nil
}

// IncomingMessage is one message extracted from a webhook delivery.
type IncomingMessage struct {
	From      string
	ID        string
	Type      string
	Text      string
	Timestamp time.Time
}

// webhookPayload mirrors the Cloud API webhook envelope, trimmed to the
// fields the responder needs.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Type      string `json:"type"`
					Timestamp string `json:"timestamp"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts the inbound messages from a webhook request body.
// Status-only deliveries (no messages) yield an empty slice, not an error.
func ParseWebhook(body []byte) ([]IncomingMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var messages []IncomingMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				in := IncomingMessage{
					From:      msg.From,
					ID:        msg.ID,
					Type:      msg.Type,
					Timestamp: parseTimestamp(msg.Timestamp),
				}
				if msg.Text != nil {
					in.Text = msg.Text.Body
				}
				messages = append(messages, in)
			}
		}
	}
	return messages, nil
}

// parseTimestamp converts the webhook's epoch-seconds string; the receive
// time is used when the field is missing or malformed.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// VerifySubscription implements the webhook verify handshake. It returns the
// challenge to echo and true when the mode and token match.
func VerifySubscription(mode, token, challenge, verifyToken string) (string, bool) {
	if mode == "subscribe" && token != "" && token == verifyToken {
		return challenge, true
	}
	return "", false
}

// MockClient implements Sender for tests, recording sent messages.
type MockClient struct {
	Sent []SentMessage
	Err  error
}

// SentMessage is one recorded send.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the send, returning the configured error if any.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

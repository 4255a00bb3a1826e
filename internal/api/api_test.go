package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/ChatRelay/internal/messaging"
	"github.com/BTreeMap/ChatRelay/internal/models"
	"github.com/BTreeMap/ChatRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatRelay/internal/wacloud"
)

func newTestServer(t *testing.T) (*Server, *wacloud.MockClient) {
	t.Helper()
	client := wacloud.NewMockClient()
	cloud := messaging.NewCloudService(client, "verify-me")
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	return NewServer(cloud, cloud, twilio), client
}

func TestRootHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["service"] != "ChatRelay" {
		t.Errorf("expected service name in root response, got %v", body)
	}
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestWhatsAppWebhookVerification(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=c1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "c1" {
		t.Errorf("expected challenge echoed, got %q", rec.Body.String())
	}
}

func TestWhatsAppWebhookPostAckedImmediately(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","id":"wamid.x","timestamp":"1700000000","type":"text","text":{"body":"hi"}}]}}]}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestWhatsAppWebhookNotConfigured(t *testing.T) {
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	srv := NewServer(twilio, nil, twilio)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when cloud transport absent, got %d", rec.Code)
	}
}

func TestTwilioWebhookRequiresPost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestTwilioWebhookAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestSendHandler(t *testing.T) {
	srv, client := newTestServer(t)

	t.Run("valid request sends message", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to":"+15551234567","body":"ping"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d, body %s", rec.Code, rec.Body.String())
		}
		if len(client.Sent) != 1 || client.Sent[0].To != "15551234567" || client.Sent[0].Body != "ping" {
			t.Errorf("expected canonicalized send recorded, got %v", client.Sent)
		}
	})

	t.Run("invalid JSON rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("nope"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		var resp models.APIResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid JSON error body: %v", err)
		}
		if resp.Status != models.APIStatusError {
			t.Errorf("expected error status, got %q", resp.Status)
		}
	})

	t.Run("missing body rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to":"+15551234567"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("bad recipient rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to":"abc","body":"x"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("GET not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/send", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

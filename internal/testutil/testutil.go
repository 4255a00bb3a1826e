// Package testutil provides common test utilities and helpers for ChatRelay tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ChatRelay/internal/api"
	"github.com/BTreeMap/ChatRelay/internal/messaging"
	"github.com/BTreeMap/ChatRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatRelay/internal/wacloud"
)

// TestVerifyToken is the webhook verification token used by test servers.
const TestVerifyToken = "test-verify-token"

// NewTestServer creates an API server backed by mock transports. The returned
// mock client records every outbound send for assertions.
func NewTestServer() (*api.Server, *wacloud.MockClient) {
	client := wacloud.NewMockClient()
	cloud := messaging.NewCloudService(client, TestVerifyToken)
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	return api.NewServer(cloud, cloud, twilio), client
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewTestServer(t *testing.T) {
	srv, client := NewTestServer()

	req := CreateHTTPRequest(t, http.MethodPost, "/send", map[string]string{
		"to":   "+15551234567",
		"body": "hello",
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	AssertHTTPStatus(t, http.StatusOK, rec.Code, "send via test server")
	AssertJSONResponse(t, rec, "ok")

	if len(client.Sent) != 1 {
		t.Errorf("expected one recorded send, got %d", len(client.Sent))
	}
}

func TestAssertJSONResponseErrorStatus(t *testing.T) {
	srv, _ := NewTestServer()

	req := CreateHTTPRequest(t, http.MethodPost, "/send", map[string]string{"to": "abc", "body": "x"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	AssertHTTPStatus(t, http.StatusBadRequest, rec.Code, "invalid recipient")
	AssertJSONResponse(t, rec, "error")
}

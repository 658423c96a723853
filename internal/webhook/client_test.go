package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient creates a client against the mock server with retry delays
// shrunk so exhaustion tests run fast.
func newTestClient(baseURL string) *Client {
	c := New(baseURL, "test-token")
	c.retryInterval = time.Millisecond
	return c
}

func TestGetReturnsData(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.SetTable("listClients", []map[string]interface{}{
		{"Name": "Acme Plumbing", "Phone": "0400 111 222"},
		{"Name": "Harbour Cafe", "Phone": "0400 333 444"},
	})

	client := newTestClient(server.URL)
	data, err := client.Get(context.Background(), "listClients", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["Name"] != "Acme Plumbing" {
		t.Errorf("unexpected first row: %v", rows[0])
	}
}

func TestGetApplicationErrorNotRetried(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.FailApp("listClients", "unknown sheet")

	client := newTestClient(server.URL)
	_, err := client.Get(context.Background(), "listClients", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}
	if appErr.Message != "unknown sheet" {
		t.Errorf("AppError message = %q, want %q", appErr.Message, "unknown sheet")
	}

	// Application errors must surface immediately, without retries.
	if got := server.RequestCount(); got != 1 {
		t.Errorf("request count = %d, want 1", got)
	}
}

func TestTransportFailureRetried(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.SetTable("listClients", []map[string]interface{}{{"Name": "Acme"}})
	server.FailTransport(2)

	client := newTestClient(server.URL)
	data, err := client.Get(context.Background(), "listClients", nil)
	if err != nil {
		t.Fatalf("Get should succeed after retries: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected data after successful retry")
	}

	// Two failures plus one success.
	if got := server.RequestCount(); got != 3 {
		t.Errorf("request count = %d, want 3", got)
	}
}

func TestTransportFailureExhausted(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.FailTransport(100)

	client := newTestClient(server.URL)
	_, err := client.Get(context.Background(), "listClients", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}

	if got := server.RequestCount(); got != maxTries {
		t.Errorf("request count = %d, want %d", got, maxTries)
	}
}

func TestPostRecordsPayload(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := newTestClient(server.URL)
	payload := map[string]interface{}{"name": "Acme Plumbing", "phone": "0400 111 222"}

	if _, err := client.Post(context.Background(), "updateClient", payload); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	writes := server.Writes("updateClient")
	if len(writes) != 1 {
		t.Fatalf("expected 1 recorded write, got %d", len(writes))
	}
	row, ok := writes[0].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected write payload type %T", writes[0])
	}
	if row["name"] != "Acme Plumbing" {
		t.Errorf("write payload name = %v, want Acme Plumbing", row["name"])
	}
}

func TestPostApplicationError(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	server.FailApp("updateClient", "row locked")

	client := newTestClient(server.URL)
	_, err := client.Post(context.Background(), "updateClient", map[string]string{"name": "Acme"})

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}

	// Rejected writes must not be recorded.
	if writes := server.Writes("updateClient"); len(writes) != 0 {
		t.Errorf("expected 0 recorded writes, got %d", len(writes))
	}
}

func TestPing(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPingOffline(t *testing.T) {
	server := NewMockServer()
	server.Close() // connection refused from here on

	client := newTestClient(server.URL)
	err := client.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error against closed server")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestNonOKHTTPStatusIsApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such script", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Get(context.Background(), "listClients", nil)

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError for 404, got %T: %v", err, err)
	}
}

func TestMalformedBodyIsTransportError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","data":[{`)) // truncated
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Get(context.Background(), "listClients", nil)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError for truncated body, got %T: %v", err, err)
	}
	if calls != maxTries {
		t.Errorf("truncated body should be retried: calls = %d, want %d", calls, maxTries)
	}
}

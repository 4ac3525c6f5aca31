package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.http = srv.Client()
	return c
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()
	var got sendRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))

	d := c.Deliver(context.Background(), -100500, "broadcast text")
	if !d.OK() {
		t.Fatalf("Deliver = %+v, want success", d)
	}
	if got.ChatID != -100500 || got.Text != "broadcast text" {
		t.Fatalf("gateway received %+v", got)
	}
}

func TestDeliverUnreachable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"peer left the dialog","unreachable":true}`)
	}))

	d := c.Deliver(context.Background(), 1, "hi")
	if d.Outcome != kit.OutcomeUnreachable {
		t.Fatalf("outcome = %v, want unreachable", d.Outcome)
	}
	if d.Reason != "peer left the dialog" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestDeliverGatewayError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"flood wait 30s"}`)
	}))

	d := c.Deliver(context.Background(), 1, "hi")
	if d.Outcome != kit.OutcomeTransportError {
		t.Fatalf("outcome = %v, want transport error", d.Outcome)
	}
}

func TestDeliverHTTPError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	d := c.Deliver(context.Background(), 1, "hi")
	if d.Outcome != kit.OutcomeTransportError {
		t.Fatalf("outcome = %v, want transport error", d.Outcome)
	}
}

func TestListReachable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"ok":true,"chats":[{"id":-1,"title":"alpha"},{"id":-2,"title":"beta"}]}`)
	}))

	entries, err := c.ListReachable(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListReachable: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want 2", entries)
	}
	if entries[0].ID != -1 || entries[0].Title != "alpha" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
}

func TestListReachableRejected(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"session locked"}`)
	}))

	if _, err := c.ListReachable(context.Background(), nil); err == nil {
		t.Fatal("expected error when the gateway rejects")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base url")
	}
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.BaseURL != "http://127.0.0.1:1" {
		t.Fatalf("base url = %q, want trailing slash trimmed", c.cfg.BaseURL)
	}
}

package dispatch

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHTTPDispatcher(t *testing.T, cfg HTTPConfig) *HTTPDispatcher {
	t.Helper()
	d, err := NewHTTP(cfg)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func testPayloads() []json.RawMessage {
	return []json.RawMessage{json.RawMessage(`{"row":1}`), json.RawMessage(`{"row":2}`)}
}

func TestHTTPDispatcher_CombinedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Target != "sheet-1" || len(req.Operations) != 2 {
			t.Errorf("unexpected request: target=%s operations=%d", req.Target, len(req.Operations))
		}
		json.NewEncoder(w).Encode(wireResponse{
			Payloads: []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)},
		})
	}))
	defer srv.Close()

	d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL})
	res, err := d.Send(context.Background(), "sheet-1", testPayloads())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Combined) != 2 || string(res.Combined[0]) != `"a"` || string(res.Combined[1]) != `"b"` {
		t.Errorf("unexpected combined result: %v", res.Combined)
	}
	if res.Items != nil {
		t.Errorf("expected no items in combined response, got %v", res.Items)
	}
}

func TestHTTPDispatcher_PartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireResponse{
			Results: []wireResult{
				{Index: 0, Payload: json.RawMessage(`"ok"`)},
				{Index: 1, Error: "row locked"},
			},
		})
	}))
	defer srv.Close()

	d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL})
	res, err := d.Send(context.Background(), "sheet-1", testPayloads())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Items))
	}
	if res.Items[0].Index != 0 || string(res.Items[0].Payload) != `"ok"` {
		t.Errorf("unexpected item 0: %+v", res.Items[0])
	}
	if res.Items[1].Index != 1 || res.Items[1].Err != "row locked" {
		t.Errorf("unexpected item 1: %+v", res.Items[1])
	}
}

func TestHTTPDispatcher_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusUnauthorized, KindPermanent},
		{http.StatusNotFound, KindPermanent},
	}
	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend says no", status)
		}))
		d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL})

		_, err := d.Send(context.Background(), "sheet-1", testPayloads())
		var de *Error
		if !errors.As(err, &de) {
			t.Fatalf("status %d: expected *Error, got %v", status, err)
		}
		if de.Kind != tc.kind || de.StatusCode != status {
			t.Errorf("status %d: expected kind=%s, got kind=%s status=%d", status, tc.kind, de.Kind, de.StatusCode)
		}
		if de.Message != "backend says no" {
			t.Errorf("status %d: expected body in message, got %q", status, de.Message)
		}
		srv.Close()
	}
}

func TestHTTPDispatcher_GzipCompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "gzip" {
			t.Errorf("expected gzip content-encoding, got %q", got)
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		raw, _ := io.ReadAll(zr)
		var req wireRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("decompressed body does not parse: %v", err)
		}
		json.NewEncoder(w).Encode(wireResponse{
			Payloads: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)},
		})
	}))
	defer srv.Close()

	d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL, Compression: "gzip"})
	if _, err := d.Send(context.Background(), "sheet-1", testPayloads()); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestHTTPDispatcher_CustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("expected auth header, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content-type, got %q", got)
		}
		json.NewEncoder(w).Encode(wireResponse{Payloads: []json.RawMessage{json.RawMessage(`1`)}})
	}))
	defer srv.Close()

	d := newHTTPDispatcher(t, HTTPConfig{
		Endpoint: srv.URL,
		Headers:  map[string]string{"Authorization": "Bearer token-1"},
	})
	if _, err := d.Send(context.Background(), "sheet-1", []json.RawMessage{json.RawMessage(`1`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestHTTPDispatcher_MalformedResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all")
	}))
	defer srv.Close()

	d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL})
	_, err := d.Send(context.Background(), "sheet-1", testPayloads())
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindPermanent {
		t.Errorf("expected permanent decode failure, got %v", err)
	}
}

func TestHTTPDispatcher_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	d := newHTTPDispatcher(t, HTTPConfig{Endpoint: srv.URL})
	_, err := d.Send(context.Background(), "sheet-1", testPayloads())
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindTransient {
		t.Errorf("expected transient connection failure, got %v", err)
	}
}

func TestHTTPDispatcher_ConfigValidation(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{}); err == nil {
		t.Error("expected missing endpoint to fail")
	}
	if _, err := NewHTTP(HTTPConfig{Endpoint: "http://x", Compression: "brotli"}); err == nil {
		t.Error("expected unsupported compression to fail")
	}
}

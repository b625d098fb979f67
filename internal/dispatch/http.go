package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http2"

	"github.com/szibis/batch-governor/internal/logging"
)

// maxErrorBodyBytes bounds how much of an error response is kept for the
// classified error message.
const maxErrorBodyBytes = 4096

// HTTPConfig holds the HTTP dispatcher configuration.
type HTTPConfig struct {
	// Endpoint is the downstream batch URL.
	Endpoint string
	// Compression is "gzip", "zstd" or "none" (default: "none").
	Compression string
	// Headers are added to every request (auth, routing).
	Headers map[string]string
	// ForceHTTP2 enables HTTP/2 over TLS transports.
	ForceHTTP2 bool
	// MaxIdleConns bounds the idle connection pool (default: 100).
	MaxIdleConns int
	// IdleConnTimeout closes idle connections (default: 90s).
	IdleConnTimeout time.Duration
}

// wireRequest is the JSON body sent downstream: the target key and the
// ordered operation payloads.
type wireRequest struct {
	Target     string            `json:"target"`
	Operations []json.RawMessage `json:"operations"`
}

// wireResponse is the downstream reply. Exactly one of Payloads (combined
// success, one payload per operation) or Results (per-index outcomes) is
// expected.
type wireResponse struct {
	Payloads []json.RawMessage `json:"payloads,omitempty"`
	Results  []wireResult      `json:"results,omitempty"`
}

type wireResult struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HTTPDispatcher sends batches as single JSON POSTs to the configured
// endpoint, preserving positional correspondence between request
// operations and response outcomes.
type HTTPDispatcher struct {
	cfg     HTTPConfig
	client  *http.Client
	zstdEnc *zstd.Encoder
}

// NewHTTP creates an HTTP dispatcher.
func NewHTTP(cfg HTTPConfig) (*HTTPDispatcher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http dispatcher: endpoint is required")
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	switch cfg.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return nil, fmt.Errorf("http dispatcher: unsupported compression %q", cfg.Compression)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	if cfg.ForceHTTP2 {
		if _, err := http2.ConfigureTransports(transport); err != nil {
			return nil, fmt.Errorf("http dispatcher: http2 configure: %w", err)
		}
	}

	d := &HTTPDispatcher{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
	if cfg.Compression == "zstd" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("http dispatcher: zstd encoder: %w", err)
		}
		d.zstdEnc = enc
	}

	logging.Info("http dispatcher initialized", logging.F(
		"endpoint", cfg.Endpoint,
		"compression", cfg.Compression,
		"http2", cfg.ForceHTTP2,
	))
	return d, nil
}

// Send implements Dispatcher.
func (d *HTTPDispatcher) Send(ctx context.Context, target string, payloads []json.RawMessage) (*Result, error) {
	body, err := json.Marshal(wireRequest{Target: target, Operations: payloads})
	if err != nil {
		return nil, &Error{Err: err, Kind: KindPermanent, Message: "request marshal failed"}
	}

	encoding := ""
	switch d.cfg.Compression {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			encoding = "gzip"
		}
	case "zstd":
		body = d.zstdEnc.EncodeAll(body, nil)
		encoding = "zstd"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err, Kind: KindPermanent, Message: "request build failed"}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err, Kind: KindTransient}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &Error{
			Err:        fmt.Errorf("downstream returned %d", resp.StatusCode),
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &Error{Err: err, Kind: KindPermanent, StatusCode: resp.StatusCode,
			Message: "response decode failed"}
	}

	res := &Result{}
	if wr.Payloads != nil {
		res.Combined = wr.Payloads
	}
	for _, r := range wr.Results {
		res.Items = append(res.Items, ItemResult{Index: r.Index, Payload: r.Payload, Err: r.Error})
	}
	return res, nil
}

// Close releases pooled connections and the compression encoder.
func (d *HTTPDispatcher) Close() {
	d.client.CloseIdleConnections()
	if d.zstdEnc != nil {
		d.zstdEnc.Close()
	}
}

// classifyStatus maps an HTTP status to a failure kind: rate limits,
// request timeouts and server errors are transient, the rest permanent.
func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/syntor/agentmesh/pkg/models"
)

// Wire paths served by every agent.
const (
	PathMessage = "/a2a/message"
	PathBatch   = "/a2a/batch"
	PathHealth  = "/a2a/health"
	PathStats   = "/a2a/stats"
)

// Transport delivers one envelope to an agent endpoint. A nil response with a
// nil error means the message was a notification and nothing came back.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error)
}

// Checker reports liveness and pulls metrics from an agent.
type Checker interface {
	Ping(ctx context.Context, endpoint string) (time.Duration, error)
	Stats(ctx context.Context, endpoint string) (map[string]float64, error)
}

// TransportError reports a delivery failure as opposed to a remote RPC error.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport to %s failed with status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPTransport speaks the A2A wire contract over HTTP/JSON.
type HTTPTransport struct {
	client *http.Client
	token  string
}

// NewHTTPTransport creates a transport. An empty token sends no Authorization header.
func NewHTTPTransport(client *http.Client, token string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client, token: token}
}

func (t *HTTPTransport) Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error) {
	body, err := msg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	resp, err := t.do(ctx, http.MethodPost, endpoint, PathMessage, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	// error envelopes may come with a non-2xx status; prefer the envelope when it parses
	out, decodeErr := models.MessageFromJSON(raw)
	if decodeErr == nil && (len(out.Result) > 0 || out.Error != nil) {
		return out, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(raw)))}
	}
	if decodeErr != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("invalid response envelope: %w", decodeErr)}
	}
	return out, nil
}

// Ping issues GET /a2a/health and returns the round trip.
func (t *HTTPTransport) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	start := time.Now()
	resp, err := t.do(ctx, http.MethodGet, endpoint, PathHealth, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("agent not live")}
	}
	return time.Since(start), nil
}

// Stats issues GET /a2a/stats and decodes a flat metrics object.
func (t *HTTPTransport) Stats(ctx context.Context, endpoint string) (map[string]float64, error) {
	resp, err := t.do(ctx, http.MethodGet, endpoint, PathStats, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("stats unavailable")}
	}

	var stats map[string]float64
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&stats); err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("invalid stats payload: %w", err)}
	}
	return stats, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, endpoint, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	return resp, nil
}

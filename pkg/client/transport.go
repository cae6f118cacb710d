package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arture/agentstream/pkg/types"
)

// SessionDetail is the full-session recovery reply.
type SessionDetail struct {
	ID             string              `json:"id"`
	State          string              `json:"state"`
	CurrentMessage string              `json:"currentMessage"`
	Events         []types.StreamEvent `json:"events"`
	Actions        []types.Action      `json:"actions"`
	Error          string              `json:"error,omitempty"`
	StartedAt      int64               `json:"startedAt"`
	LastActivityAt int64               `json:"lastActivityAt"`
}

// SessionEvents is the delta-replay reply. When Gap is set the server
// trimmed events the caller has not seen and the delta is unusable.
type SessionEvents struct {
	SessionID      string              `json:"sessionId"`
	State          string              `json:"state"`
	Events         []types.StreamEvent `json:"events"`
	Actions        []types.Action      `json:"actions"`
	CurrentMessage string              `json:"currentMessage"`
	Gap            bool                `json:"gap"`
}

// Transport abstracts the wire protocol so tests can drive the client
// without a server.
type Transport interface {
	StartSession(ctx context.Context, req types.StartSessionRequest) (types.StartSessionResponse, error)
	Stream(ctx context.Context, req types.StreamRequest) (io.ReadCloser, error)
	Generate(ctx context.Context, req types.StreamRequest) (types.GenerateResponse, error)
	GetSession(ctx context.Context, sessionID string) (SessionDetail, error)
	GetSessionEvents(ctx context.Context, sessionID string, since int64) (SessionEvents, error)
}

// HTTPTransport speaks the streaming API over HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a transport rooted at baseURL, e.g.
// "http://localhost:8080". A nil httpClient uses http.DefaultClient.
func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// apiEnvelope mirrors the server response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   []apiError      `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (t *HTTPTransport) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

func (t *HTTPTransport) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

func decodeEnvelope(resp *http.Response, out any) error {
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if len(env.Error) > 0 {
			return fmt.Errorf("%s: %s", env.Error[0].Code, env.Error[0].Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func (t *HTTPTransport) StartSession(ctx context.Context, req types.StartSessionRequest) (types.StartSessionResponse, error) {
	var out types.StartSessionResponse
	err := t.postJSON(ctx, "/api/streaming/start-session", req, &out)
	return out, err
}

// Stream opens the SSE stream. The caller owns the returned body and
// must close it.
func (t *HTTPTransport) Stream(ctx context.Context, req types.StreamRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/streaming/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		err := decodeEnvelope(resp, nil)
		if err == nil {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (t *HTTPTransport) Generate(ctx context.Context, req types.StreamRequest) (types.GenerateResponse, error) {
	var out types.GenerateResponse
	err := t.postJSON(ctx, "/api/chat/ai-response", req, &out)
	return out, err
}

func (t *HTTPTransport) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	var out SessionDetail
	err := t.getJSON(ctx, "/api/streaming/sessions/"+sessionID, &out)
	return out, err
}

func (t *HTTPTransport) GetSessionEvents(ctx context.Context, sessionID string, since int64) (SessionEvents, error) {
	var out SessionEvents
	path := "/api/streaming/sessions/" + sessionID + "/events?since=" + strconv.FormatInt(since, 10)
	err := t.getJSON(ctx, path, &out)
	return out, err
}

// defaultStreamTimeout bounds one streaming request end to end,
// matching the server-side stream timeout.
const defaultStreamTimeout = 120 * time.Second

// Package client consumes the agentstream streaming API: it manages a
// session, reads the SSE stream, accumulates message and action state,
// and falls back to the non-streaming endpoint when streaming fails.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/arture/agentstream/pkg/types"
)

// Handlers receives protocol callbacks as the stream progresses. Any
// handler may be nil.
type Handlers struct {
	// OnMessage fires for every message event. A partial content is a
	// delta already appended to the accumulated message; a non-partial
	// content replaced it.
	OnMessage func(content string, isPartial bool)

	// OnAction fires once per decoded action, in extraction order.
	OnAction func(action types.Action)

	// OnComplete fires when the stream finishes, with the final state.
	OnComplete func(state State)

	// OnError fires on error events and on unrecoverable failures.
	OnError func(message string)
}

// Options configures a Client.
type Options struct {
	// ConversationID and ProjectID are attached to sessions the client
	// creates.
	ConversationID string
	ProjectID      string

	// Timeout bounds one streaming request end to end. Zero means the
	// server default of two minutes.
	Timeout time.Duration

	// DisableRestFallback turns off the non-streaming fallback; failed
	// streams then surface through OnError instead.
	DisableRestFallback bool
}

// State is the accumulated view of the current session.
type State struct {
	SessionID   string
	IsStreaming bool
	IsComplete  bool
	Message     string
	Actions     []types.Action
	Events      []types.StreamEvent
	Error       string
	Model       string
}

// Client drives streaming requests against one server. A Client is safe
// for concurrent use, but runs at most one stream at a time; starting a
// new stream cancels the previous one.
type Client struct {
	transport Transport
	handlers  Handlers
	opts      Options

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	canceled bool
}

// New returns a client over the given transport.
func New(transport Transport, handlers Handlers, opts Options) *Client {
	return &Client{transport: transport, handlers: handlers, opts: opts}
}

// State returns a copy of the accumulated session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Client) snapshotLocked() State {
	s := c.state
	s.Actions = append([]types.Action(nil), c.state.Actions...)
	s.Events = append([]types.StreamEvent(nil), c.state.Events...)
	return s
}

// StartSession creates a session without streaming. StreamResponse does
// this implicitly; call it directly only to pre-allocate a session id.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	resp, err := c.transport.StartSession(ctx, types.StartSessionRequest{
		ConversationID: c.opts.ConversationID,
		ProjectID:      c.opts.ProjectID,
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.state.SessionID = resp.SessionID
	c.mu.Unlock()
	return resp.SessionID, nil
}

// StreamResponse runs one full request cycle: create a session, stream
// the response, and dispatch handler callbacks for every event. It
// blocks until the stream ends. When streaming fails before completing,
// the request is retried once against the non-streaming endpoint unless
// fallback is disabled. A canceled stream returns nil without callbacks.
func (c *Client) StreamResponse(ctx context.Context, req types.StreamRequest) error {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	// The cancel func is installed before the first suspension point so
	// Cancel() already works while session creation is in flight.
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.state = State{IsStreaming: true}
	c.canceled = false
	c.mu.Unlock()

	start, err := c.transport.StartSession(streamCtx, types.StartSessionRequest{
		ConversationID: c.opts.ConversationID,
		ProjectID:      c.opts.ProjectID,
	})
	if err != nil {
		if c.wasCanceled() {
			return nil
		}
		return c.fallback(ctx, req, fmt.Errorf("start session: %w", err))
	}

	c.mu.Lock()
	c.state.SessionID = start.SessionID
	c.mu.Unlock()
	req.SessionID = start.SessionID

	body, err := c.transport.Stream(streamCtx, req)
	if err != nil {
		if c.wasCanceled() {
			return nil
		}
		return c.fallback(ctx, req, fmt.Errorf("open stream: %w", err))
	}
	defer body.Close()

	readErr := c.readStream(start.SessionID, body)
	if c.wasCanceled() {
		return nil
	}

	c.mu.Lock()
	complete := c.state.IsComplete
	c.mu.Unlock()

	if readErr != nil && !complete {
		return c.fallback(ctx, req, fmt.Errorf("read stream: %w", readErr))
	}

	// The stream can end without a complete event when the server dies
	// mid-response. Whatever accumulated still stands; treat it as done.
	c.mu.Lock()
	c.state.IsStreaming = false
	c.state.IsComplete = true
	c.mu.Unlock()
	return nil
}

// Cancel aborts the in-flight stream, if any. Safe to call repeatedly.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	if cancel != nil {
		c.canceled = true
	}
	c.state.IsStreaming = false
	c.state.IsComplete = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// RecoverSession replaces the client state with the server's snapshot
// of an existing session, e.g. after a page reload or reconnect.
func (c *Client) RecoverSession(ctx context.Context, sessionID string) (State, error) {
	detail, err := c.transport.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	st := types.ParseSessionState(detail.State)
	c.mu.Lock()
	c.state = State{
		SessionID:   detail.ID,
		IsStreaming: st == types.SessionStreaming,
		IsComplete:  st == types.SessionCompleted,
		Message:     detail.CurrentMessage,
		Actions:     detail.Actions,
		Events:      detail.Events,
		Error:       detail.Error,
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return snap, nil
}

// Sync pulls events the client has not seen yet and applies them. When
// the server trimmed past the client's position it re-fetches the full
// snapshot instead.
func (c *Client) Sync(ctx context.Context) (State, error) {
	c.mu.Lock()
	sessionID := c.state.SessionID
	since := int64(-1)
	if n := len(c.state.Events); n > 0 {
		since = c.state.Events[n-1].Sequence
	}
	c.mu.Unlock()
	if sessionID == "" {
		return State{}, fmt.Errorf("no session to sync")
	}

	delta, err := c.transport.GetSessionEvents(ctx, sessionID, since)
	if err != nil {
		return State{}, err
	}
	if delta.Gap {
		return c.RecoverSession(ctx, sessionID)
	}

	st := types.ParseSessionState(delta.State)
	c.mu.Lock()
	c.state.Events = append(c.state.Events, delta.Events...)
	c.state.Message = delta.CurrentMessage
	c.state.Actions = delta.Actions
	c.state.IsStreaming = st == types.SessionStreaming
	c.state.IsComplete = st == types.SessionCompleted
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return snap, nil
}

// sseFrame is the JSON payload carried on each SSE data line.
type sseFrame struct {
	Type      types.EventType `json:"type"`
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// doneSentinel terminates the stream.
const doneSentinel = "[DONE]"

func (c *Client) readStream(sessionID string, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		// A handler may call Cancel mid-dispatch; records still buffered
		// in the scanner must not reach the handlers after that.
		if c.wasCanceled() {
			return nil
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "" || payload == doneSentinel {
			if payload == doneSentinel {
				return nil
			}
			continue
		}
		var frame sseFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		c.handleEvent(types.StreamEvent{
			ID:        frame.ID,
			Type:      frame.Type,
			SessionID: sessionID,
			Timestamp: frame.Timestamp,
			Sequence:  frame.Sequence,
			Data:      frame.Data,
		})
	}
	return scanner.Err()
}

func (c *Client) handleEvent(evt types.StreamEvent) {
	c.mu.Lock()
	canceled := c.canceled
	c.mu.Unlock()
	if canceled {
		return
	}

	switch evt.Type {
	case types.EventHeartbeat, "":
		// Heartbeats arrive as bare {sessionId, timestamp} payloads with
		// no type field or sequence. They only reset idle tracking and
		// are never recorded, so Sync's since cursor stays on real
		// sequenced events.
		return
	case types.EventMessage:
		var data types.MessageData
		if err := evt.DecodeData(&data); err != nil {
			return
		}
		c.mu.Lock()
		c.state.Events = append(c.state.Events, evt)
		if data.IsPartial {
			c.state.Message += data.Content
		} else {
			c.state.Message = data.Content
		}
		c.mu.Unlock()
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data.Content, data.IsPartial)
		}
	case types.EventAction:
		var action types.Action
		if err := evt.DecodeData(&action); err != nil {
			return
		}
		c.mu.Lock()
		c.state.Events = append(c.state.Events, evt)
		c.state.Actions = append(c.state.Actions, action)
		c.mu.Unlock()
		if c.handlers.OnAction != nil {
			c.handlers.OnAction(action)
		}
	case types.EventComplete:
		var data types.CompleteData
		_ = evt.DecodeData(&data)
		c.mu.Lock()
		c.state.Events = append(c.state.Events, evt)
		c.state.IsComplete = true
		c.state.IsStreaming = false
		c.state.Model = data.Model
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if c.handlers.OnComplete != nil {
			c.handlers.OnComplete(snap)
		}
	case types.EventError:
		var data types.ErrorData
		_ = evt.DecodeData(&data)
		c.mu.Lock()
		c.state.Events = append(c.state.Events, evt)
		c.state.Error = data.Message
		c.state.IsStreaming = false
		c.mu.Unlock()
		if c.handlers.OnError != nil {
			c.handlers.OnError(data.Message)
		}
	default:
		c.mu.Lock()
		c.state.Events = append(c.state.Events, evt)
		c.mu.Unlock()
	}
}

// fallback retries the request against the non-streaming endpoint and
// replays the result through the same handlers a stream would use.
func (c *Client) fallback(ctx context.Context, req types.StreamRequest, cause error) error {
	if c.opts.DisableRestFallback {
		c.reportError(cause.Error())
		return cause
	}

	req.SessionID = ""
	resp, err := c.transport.Generate(ctx, req)
	if err != nil {
		c.reportError(err.Error())
		return fmt.Errorf("fallback after %v: %w", cause, err)
	}
	if resp.Error {
		msg := "generation failed"
		if !resp.IsConfigured {
			msg = "no provider configured"
		}
		c.reportError(msg)
		return fmt.Errorf("fallback after %v: %s", cause, msg)
	}

	c.mu.Lock()
	c.state.Message = resp.Response
	c.state.Model = resp.Model
	c.mu.Unlock()
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(resp.Response, false)
	}

	for i, ga := range resp.Actions {
		action := types.Action{
			ID:          ga.ID,
			Type:        ga.Type,
			Payload:     ga.Payload,
			Description: ga.Description,
			Status:      types.ActionPending,
		}
		if action.ID == "" {
			action.ID = fmt.Sprintf("action_%d", i)
		}
		c.mu.Lock()
		c.state.Actions = append(c.state.Actions, action)
		c.mu.Unlock()
		if c.handlers.OnAction != nil {
			c.handlers.OnAction(action)
		}
	}

	c.mu.Lock()
	c.state.IsComplete = true
	c.state.IsStreaming = false
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if c.handlers.OnComplete != nil {
		c.handlers.OnComplete(snap)
	}
	return nil
}

func (c *Client) reportError(msg string) {
	c.mu.Lock()
	c.state.Error = msg
	c.state.IsStreaming = false
	c.mu.Unlock()
	if c.handlers.OnError != nil {
		c.handlers.OnError(msg)
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/arture/agentstream/pkg/types"
)

// DoneSentinel is the final SSE data frame of every stream.
const DoneSentinel = "[DONE]"

// sseRecord is the wire shape of one SSE data frame.
type sseRecord struct {
	Type      types.EventType `json:"type"`
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// sseWriter wraps http.ResponseWriter for SSE. Writes are serialized
// with a mutex because the heartbeat ticker runs in its own goroutine.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter sets SSE headers and flushes them immediately so the
// client sees the stream open before the first event.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// writeEvent writes one stream event as an id/event/data record.
func (s *sseWriter) writeEvent(evt types.StreamEvent) error {
	payload, err := json.Marshal(sseRecord{
		Type:      evt.Type,
		ID:        evt.ID,
		Sequence:  evt.Sequence,
		Timestamp: evt.Timestamp,
		Data:      evt.Data,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes a keepalive frame. Heartbeats carry no
// sequence number and are never persisted.
func (s *sseWriter) writeHeartbeat(sessionID string) error {
	payload, err := json.Marshal(types.HeartbeatData{SessionID: sessionID, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", types.EventHeartbeat, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeDone writes the terminal sentinel frame.
func (s *sseWriter) writeDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	s.flush()
	return nil
}

// heartbeatLoop writes keepalives until stop is closed.
func (s *sseWriter) heartbeatLoop(sessionID string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.writeHeartbeat(sessionID); err != nil {
				return
			}
		}
	}
}

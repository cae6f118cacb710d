package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arture/agentstream/internal/event"
	"github.com/arture/agentstream/pkg/types"
)

func newTestStore(t *testing.T, bufferSize int) (*Store, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	return NewStore(bus, bufferSize), bus
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t, 0)

	sess := store.Create("user_1", "conv_1", "proj_1")
	assert.True(t, len(sess.ID) > len("sess_"))
	assert.Equal(t, types.SessionCreated, sess.State)
	assert.Equal(t, "user_1", sess.Metadata.UserID)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = store.Get("sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendEventAssignsSequences(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	for i := int64(0); i < 5; i++ {
		evt, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, i, evt.Sequence)
		assert.Equal(t, sess.ID, evt.SessionID)
	}
}

func TestSequencesSurviveTrimming(t *testing.T) {
	store, _ := newTestStore(t, 10)
	sess := store.Create("user_1", "", "")

	var last types.StreamEvent
	for i := 0; i < 25; i++ {
		var err error
		last, err = store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(24), last.Sequence)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 10)
	assert.Equal(t, int64(15), got.Events[0].Sequence)
	assert.Equal(t, int64(24), got.Events[9].Sequence)
}

func TestEventsSinceAndGapDetection(t *testing.T) {
	store, _ := newTestStore(t, 10)
	sess := store.Create("user_1", "", "")

	for i := 0; i < 25; i++ {
		_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
		require.NoError(t, err)
	}

	// Oldest retained sequence is 15; asking from 20 is a clean delta.
	events, gap, err := store.EventsSince(sess.ID, 20)
	require.NoError(t, err)
	assert.False(t, gap)
	require.Len(t, events, 4)
	assert.Equal(t, int64(21), events[0].Sequence)

	// Asking from 5 would skip trimmed history.
	_, gap, err = store.EventsSince(sess.ID, 5)
	require.NoError(t, err)
	assert.True(t, gap)

	// since == oldest-1 is exactly contiguous.
	events, gap, err = store.EventsSince(sess.ID, 14)
	require.NoError(t, err)
	assert.False(t, gap)
	assert.Len(t, events, 10)
}

func TestAppendPublishesInOrder(t *testing.T) {
	store, bus := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	var seqs []int64
	bus.Subscribe(event.StreamAppended, func(e event.Event) {
		data := e.Data.(event.StreamAppendedData)
		seqs = append(seqs, data.Event.Sequence)
	})

	for i := 0; i < 20; i++ {
		_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
		require.NoError(t, err)
	}

	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, int64(i), seq)
	}
}

func TestMessageAccumulation(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	require.NoError(t, store.AppendMessage(sess.ID, "Hi"))
	require.NoError(t, store.AppendMessage(sess.ID, " there"))

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", got.CurrentMessage)

	require.NoError(t, store.SetMessage(sess.ID, "corrected"))
	got, _ = store.Get(sess.ID)
	assert.Equal(t, "corrected", got.CurrentMessage)
}

func TestAddActionDeduplicates(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	action := types.Action{ID: "act_1", Type: "add_text", Payload: map[string]any{}, Status: types.ActionPending}
	require.NoError(t, store.AddAction(sess.ID, action))
	require.NoError(t, store.AddAction(sess.ID, action))

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Actions, 1)
}

func TestUpdateActionStatus(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	require.NoError(t, store.AddAction(sess.ID, types.Action{ID: "act_1", Type: "add_text", Status: types.ActionPending}))
	require.NoError(t, store.UpdateActionStatus(sess.ID, "act_1", types.ActionComplete))

	got, _ := store.Get(sess.ID)
	assert.Equal(t, types.ActionComplete, got.Actions[0].Status)

	err := store.UpdateActionStatus(sess.ID, "act_missing", types.ActionError)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalSessionsAreImmutable(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	require.NoError(t, store.SetState(sess.ID, types.SessionStreaming, ""))
	require.NoError(t, store.SetState(sess.ID, types.SessionCompleted, ""))

	assert.ErrorIs(t, store.SetState(sess.ID, types.SessionStreaming, ""), ErrTerminal)
	_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, store.AppendMessage(sess.ID, "x"), ErrTerminal)
	assert.ErrorIs(t, store.AddAction(sess.ID, types.Action{ID: "a"}), ErrTerminal)
}

func TestReplayReconstructsLiveState(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	chunks := []string{"Hi", " there", ", friend"}
	for _, chunk := range chunks {
		_, err := store.AppendEvent(sess.ID, types.EventMessage, types.MessageData{Content: chunk, IsPartial: true, Role: "assistant"})
		require.NoError(t, err)
		require.NoError(t, store.AppendMessage(sess.ID, chunk))
	}
	action := types.Action{ID: "act_1", Type: "spawn_shape", Payload: map[string]any{"shapeType": "circle"}, Status: types.ActionPending}
	_, err := store.AppendEvent(sess.ID, types.EventAction, action)
	require.NoError(t, err)
	require.NoError(t, store.AddAction(sess.ID, action))

	live, err := store.Get(sess.ID)
	require.NoError(t, err)

	// Replaying events in sequence order rebuilds message and actions.
	var message string
	var actions []types.Action
	for _, evt := range live.Events {
		switch evt.Type {
		case types.EventMessage:
			var data types.MessageData
			require.NoError(t, evt.DecodeData(&data))
			if data.IsPartial {
				message += data.Content
			} else {
				message = data.Content
			}
		case types.EventAction:
			var a types.Action
			require.NoError(t, evt.DecodeData(&a))
			actions = append(actions, a)
		}
	}

	assert.Equal(t, live.CurrentMessage, message)
	require.Len(t, actions, len(live.Actions))
	assert.Equal(t, live.Actions[0].ID, actions[0].ID)
}

func TestConcurrentReadersDoNotBlockWriter(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := store.Get(sess.ID)
				if err == nil {
					// Snapshot is internally consistent: every event
					// belongs to this session.
					for _, evt := range snap.Events {
						if evt.SessionID != sess.ID {
							t.Error("snapshot leaked foreign event")
							return
						}
					}
				}
				_, _, _ = store.EventsSince(sess.ID, 0)
			}
		}()
	}

	for i := 0; i < 200; i++ {
		_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestEvictStale(t *testing.T) {
	store, _ := newTestStore(t, 0)
	old := store.Create("user_1", "", "")
	fresh := store.Create("user_2", "", "")

	// Backdate the first session.
	store.mu.Lock()
	store.sessions[old.ID].session.Metadata.LastActivityAt = time.Now().Add(-2 * time.Hour).UnixMilli()
	store.mu.Unlock()

	evicted := store.EvictStale(time.Hour)
	assert.Equal(t, 1, evicted)

	_, err := store.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestEvictStaleSkipsActiveSessions(t *testing.T) {
	store, _ := newTestStore(t, 0)
	sess := store.Create("user_1", "", "")

	_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "x"})
	require.NoError(t, err)

	assert.Zero(t, store.EvictStale(time.Hour))
	assert.Equal(t, 1, store.Len())
}

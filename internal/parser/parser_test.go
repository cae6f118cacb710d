package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arture/agentstream/pkg/types"
)

const fullDoc = `{"message":"Hello world","actions":[{"type":"add_text","payload":{}}]}`

func feed(t *testing.T, state *State, chunks ...string) (actions []types.Action, message string) {
	t.Helper()
	for _, chunk := range chunks {
		newActions, delta := state.ProcessChunk(chunk)
		actions = append(actions, newActions...)
		message += delta
	}
	return actions, message
}

func TestProcessChunkSingleCall(t *testing.T) {
	state := NewState()
	actions, message := feed(t, state, fullDoc)

	assert.Equal(t, "Hello world", message)
	require.Len(t, actions, 1)
	assert.Equal(t, "add_text", actions[0].Type)
	assert.NotEmpty(t, actions[0].ID)
	assert.Empty(t, actions[0].Payload)
}

func TestProcessChunkSpecSplit(t *testing.T) {
	state := NewState()
	actions, message := feed(t, state,
		`{"message":"Hel`,
		`lo world","actions":[{"ty`,
		`pe":"add_text","payload":{}}]}`,
	)

	assert.Equal(t, "Hello world", message)
	require.Len(t, actions, 1)
	assert.Equal(t, "add_text", actions[0].Type)
	assert.True(t, strings.HasPrefix(actions[0].ID, "act_"))
}

func TestProcessChunkOneByteAtATime(t *testing.T) {
	state := NewState()
	var actions []types.Action
	var message string
	for i := 0; i < len(fullDoc); i++ {
		newActions, delta := state.ProcessChunk(fullDoc[i : i+1])
		actions = append(actions, newActions...)
		message += delta
	}

	assert.Equal(t, "Hello world", message)
	require.Len(t, actions, 1)
	assert.Equal(t, "add_text", actions[0].Type)
}

func TestProcessChunkAnySplitMatchesWholeParse(t *testing.T) {
	doc := `{"message":"make it pop","actions":[` +
		`{"id":"a1","type":"spawn_shape","payload":{"shapeType":"circle"}},` +
		`{"id":"a2","type":"change_canvas_background","payload":{"color":"#fff"}}]}`

	whole := NewState()
	wholeActions, wholeMessage := feed(t, whole, doc)

	for split := 1; split < len(doc)-1; split += 7 {
		state := NewState()
		actions, message := feed(t, state, doc[:split], doc[split:])

		assert.Equal(t, wholeMessage, message, "split at %d", split)
		require.Len(t, actions, len(wholeActions), "split at %d", split)
		for i := range actions {
			assert.Equal(t, wholeActions[i].Type, actions[i].Type)
			assert.Equal(t, wholeActions[i].ID, actions[i].ID)
		}
	}
}

func TestBracesInsideStringsDoNotNest(t *testing.T) {
	state := NewState()
	_, message := feed(t, state, `{"message":"use {curly} and [square] freely"}`)

	assert.Equal(t, "use {curly} and [square] freely", message)
	assert.Empty(t, state.Actions())
}

func TestEscapedQuoteSplitAcrossChunks(t *testing.T) {
	state := NewState()
	// The escape backslash and its quote arrive in different fragments.
	feed(t, state, `{"note":"a\`, `"b"}`)

	result := state.Finalize()
	assert.NotNil(t, result)
}

func TestAlternativeMessageKeys(t *testing.T) {
	for doc, want := range map[string]string{
		`{"response":"from response"}`: "from response",
		`{"content":"from content"}`:   "from content",
	} {
		state := NewState()
		_, message := feed(t, state, doc)
		assert.Equal(t, want, message, doc)
	}

	// message wins over the alternatives
	state := NewState()
	_, message := feed(t, state, `{"content":"no","message":"yes sir"}`)
	assert.Equal(t, "yes sir", message)
}

func TestActionDeduplicationByID(t *testing.T) {
	state := NewState()
	actions1, _ := feed(t, state, `{"actions":[{"id":"dup","type":"move_element","payload":{}}]}`)
	actions2, _ := feed(t, state, `{"actions":[{"id":"dup","type":"move_element","payload":{}}]}`)

	assert.Len(t, actions1, 1)
	assert.Empty(t, actions2)
	assert.Len(t, state.Actions(), 1)
}

func TestTrailingCommaRepair(t *testing.T) {
	state := NewState()
	actions, message := feed(t, state, `{"message":"fixed","actions":[{"type":"add_text","payload":{}},],}`)

	assert.Equal(t, "fixed", message)
	require.Len(t, actions, 1)
}

func TestBrokenQuotingDoesNotCrashAndRecovers(t *testing.T) {
	state := NewState()
	assert.NotPanics(t, func() {
		state.ProcessChunk(`{"message": "hello, "actions": [}`)
		state.ProcessChunk(`{"message":"hello there","actions":[]}`)
	})

	result := state.Finalize()
	assert.Contains(t, result.Message, "hello")
}

func TestPartialMessageRevealedBeforeClose(t *testing.T) {
	state := NewState()
	_, delta1 := state.ProcessChunk(`{"message": "stream`)
	_, delta2 := state.ProcessChunk(`ing is live`)

	assert.Equal(t, "stream", delta1)
	assert.Equal(t, "ing is live", delta2)
	assert.Equal(t, "streaming is live", state.Message())
}

func TestMessageNeverRewrittenBackward(t *testing.T) {
	state := NewState()
	state.ProcessChunk(`{"message": "a long partial prefix revealed early`)
	before := state.Message()

	// A later strict parse with a shorter message must not shrink it.
	state.ProcessChunk(`", "x": 1}`)
	_, delta := state.ProcessChunk(`{"message":"short"}`)

	assert.Empty(t, delta)
	assert.True(t, strings.HasPrefix(state.Message(), before[:1]))
	assert.GreaterOrEqual(t, len(state.Message()), len(before))
}

func TestFinalizeIdempotent(t *testing.T) {
	state := NewState()
	feed(t, state, fullDoc)

	first := state.Finalize()
	second := state.Finalize()

	assert.Equal(t, first.Message, second.Message)
	require.Equal(t, len(first.Actions), len(second.Actions))
	for i := range first.Actions {
		assert.Equal(t, first.Actions[i].ID, second.Actions[i].ID)
	}
}

func TestFinalizeSalvagesUnbalancedBuffer(t *testing.T) {
	state := NewState()
	state.ProcessChunk(`thinking out loud {"message":"late","actions":[{"type":"add_text","payload":{}}`)

	result := state.Finalize()
	assert.Equal(t, "thinking out loud", result.Message)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "add_text", result.Actions[0].Type)
}

func TestFinalizePassesRawTextThrough(t *testing.T) {
	state := NewState()
	state.ProcessChunk("no structure here at all")

	result := state.Finalize()
	assert.Equal(t, "no structure here at all", result.Message)
}

func TestParseCompleteStripsCodeFence(t *testing.T) {
	text := "```json\n" + fullDoc + "\n```"
	result := ParseComplete(text)

	assert.Equal(t, "Hello world", result.Message)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "add_text", result.Actions[0].Type)
}

func TestParseCompleteSalvagesActionsFromBrokenText(t *testing.T) {
	text := `Here is what I will do: [ {"type":"spawn_shape","payload":{"shapeType":"star"}}, {"type":`
	result := ParseComplete(text)

	require.Len(t, result.Actions, 1)
	assert.Equal(t, "spawn_shape", result.Actions[0].Type)
	assert.Contains(t, result.Message, "Here is what I will do")
}

func TestActionWithoutTypeIsSkipped(t *testing.T) {
	state := NewState()
	actions, _ := feed(t, state, `{"actions":[{"payload":{"x":1}},{"type":"add_text","payload":{}}]}`)

	require.Len(t, actions, 1)
	assert.Equal(t, "add_text", actions[0].Type)
}

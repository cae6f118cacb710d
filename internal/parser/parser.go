// Package parser implements the incremental decoder for streaming model
// responses. The model emits one JSON document ({"message": ..., "actions":
// [...]}) in arbitrary fragments; the parser extracts complete actions and
// progressively-revealed message text while the document is still open.
//
// The parser never returns errors. Anything it cannot decode yet stays
// buffered for the next chunk, and Finalize salvages whatever is left when
// the stream ends.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/arture/agentstream/pkg/types"
)

// State holds the parse progress for one stream. Not safe for concurrent
// use; each session's decode pipeline owns exactly one State.
type State struct {
	buffer           string
	extractedActions []types.Action
	extractedMessage string
	seenActionIDs    map[string]bool

	finalized bool
	final     Result
}

// Result is the outcome of finalizing a stream.
type Result struct {
	Message string
	Actions []types.Action
	RawText string
}

// NewState creates an empty parser state.
func NewState() *State {
	return &State{seenActionIDs: make(map[string]bool)}
}

// Message returns the message text extracted so far. It grows
// monotonically; a later call never returns a shorter string.
func (s *State) Message() string { return s.extractedMessage }

// Actions returns all actions extracted so far, in discovery order.
func (s *State) Actions() []types.Action { return s.extractedActions }

func generateActionID() string {
	return "act_" + ulid.Make().String()
}

var (
	trailingCommaRe  = regexp.MustCompile(`,\s*([}\]])`)
	partialMessageRe = regexp.MustCompile(`"message"\s*:\s*"([^"]*)`)
	codeFenceRe      = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	actionStartRe    = regexp.MustCompile(`\{\s*"(?:id|type)"\s*:\s*"[^"]+"`)
)

// scanState tracks the character scanner: braces and brackets only count
// toward nesting when we are outside a string literal, and a quote only
// toggles string state when not escaped.
type scanState struct {
	braces     int
	brackets   int
	inString   bool
	escapeNext bool
}

func (sc *scanState) step(c byte) (counted bool) {
	if sc.escapeNext {
		sc.escapeNext = false
		return false
	}
	if c == '\\' {
		sc.escapeNext = true
		return false
	}
	if c == '"' {
		sc.inString = !sc.inString
		return false
	}
	if sc.inString {
		return false
	}
	switch c {
	case '{':
		sc.braces++
	case '}':
		sc.braces--
	case '[':
		sc.brackets++
	case ']':
		sc.brackets--
	default:
		return false
	}
	return true
}

// findBalancedJSON returns the first top-level balanced {...} or [...]
// substring of text and the offset just past it.
func findBalancedJSON(text string) (string, int, bool) {
	var sc scanState
	start := -1
	var startChar byte

	for i := 0; i < len(text); i++ {
		c := text[i]
		if !sc.step(c) {
			continue
		}
		switch c {
		case '{':
			if start == -1 {
				start = i
				startChar = '{'
			}
		case '}':
			if sc.braces == 0 && startChar == '{' && sc.brackets == 0 {
				return text[start : i+1], i + 1, true
			}
		case '[':
			if start == -1 {
				start = i
				startChar = '['
			}
		case ']':
			if sc.brackets == 0 && startChar == '[' && sc.braces == 0 {
				return text[start : i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

// tryParseJSON attempts a strict parse, then one bounded repair pass:
// strip trailing commas and append closers inferred from the open/close
// count mismatch. Returns nil if both attempts fail.
func tryParseJSON(jsonStr string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil {
		return parsed
	}

	fixed := strings.TrimSpace(jsonStr)
	fixed = trailingCommaRe.ReplaceAllString(fixed, "$1")

	openBraces := strings.Count(fixed, "{")
	closeBraces := strings.Count(fixed, "}")
	openBrackets := strings.Count(fixed, "[")
	closeBrackets := strings.Count(fixed, "]")

	if openBrackets > closeBrackets {
		fixed += strings.Repeat("]", openBrackets-closeBrackets)
	}
	if openBraces > closeBraces {
		fixed += strings.Repeat("}", openBraces-closeBraces)
	}

	if err := json.Unmarshal([]byte(fixed), &parsed); err == nil {
		return parsed
	}
	return nil
}

// extractActions pulls the actions array out of a decoded document.
// Entries need at least a type field; a missing id is synthesized.
func extractActions(parsed map[string]any) []types.Action {
	raw, ok := parsed["actions"].([]any)
	if !ok {
		return nil
	}

	var actions []types.Action
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		actionType, ok := obj["type"].(string)
		if !ok || actionType == "" {
			continue
		}

		action := types.Action{
			Type:    actionType,
			Payload: map[string]any{},
			Status:  types.ActionPending,
		}
		if id, ok := obj["id"].(string); ok && id != "" {
			action.ID = id
		} else {
			action.ID = generateActionID()
		}
		if payload, ok := obj["payload"].(map[string]any); ok {
			action.Payload = payload
		}
		if desc, ok := obj["description"].(string); ok {
			action.Description = desc
		}
		actions = append(actions, action)
	}
	return actions
}

// extractMessage accepts message, response, or content as alternative
// keys, in that priority order.
func extractMessage(parsed map[string]any) string {
	for _, key := range []string{"message", "response", "content"} {
		if msg, ok := parsed[key].(string); ok {
			return msg
		}
	}
	return ""
}

// ProcessChunk appends a text fragment to the buffer and extracts
// whatever became decodable: newly complete actions and the newly
// revealed portion of the message. Fragment boundaries are arbitrary; a
// fragment may split a token, an escape, or a brace.
func (s *State) ProcessChunk(fragment string) (newActions []types.Action, messageDelta string) {
	s.buffer += fragment

	if jsonStr, end, ok := findBalancedJSON(s.buffer); ok {
		if parsed := tryParseJSON(jsonStr); parsed != nil {
			newActions = s.recordActions(extractActions(parsed))
			messageDelta = s.recordMessage(extractMessage(parsed))
			s.buffer = s.buffer[end:]
		}
	}

	// Best-effort partial extraction: reveal message text before the
	// document closes. Lower confidence than the strict path; it only
	// ever extends the message, never rewrites it.
	if messageDelta == "" && len(s.buffer) > 0 {
		if m := partialMessageRe.FindStringSubmatch(s.buffer); m != nil {
			messageDelta = s.recordMessage(m[1])
		}
	}

	return newActions, messageDelta
}

// recordActions appends actions whose ids have not been seen and
// returns the newly added ones.
func (s *State) recordActions(actions []types.Action) []types.Action {
	var added []types.Action
	for _, action := range actions {
		if s.seenActionIDs[action.ID] {
			continue
		}
		s.seenActionIDs[action.ID] = true
		s.extractedActions = append(s.extractedActions, action)
		added = append(added, action)
	}
	return added
}

// recordMessage updates the extracted message if the candidate extends
// it, returning the suffix beyond the previously recorded prefix.
func (s *State) recordMessage(message string) string {
	if len(message) <= len(s.extractedMessage) {
		return ""
	}
	delta := message[len(s.extractedMessage):]
	s.extractedMessage = message
	return delta
}

// extractPartialActions salvages individually-balanced action objects
// from text that never balanced as a whole.
func extractPartialActions(text string) []types.Action {
	var actions []types.Action

	for _, loc := range actionStartRe.FindAllStringIndex(text, -1) {
		start := loc[0]
		depth := 0
		end := start
		for i := start; i < len(text); i++ {
			if text[i] == '{' {
				depth++
			}
			if text[i] == '}' {
				depth--
				if depth == 0 {
					end = i + 1
					break
				}
			}
		}
		if end <= start {
			continue
		}
		parsed := tryParseJSON(text[start:end])
		if parsed == nil {
			continue
		}
		actionType, ok := parsed["type"].(string)
		if !ok || actionType == "" {
			continue
		}

		action := types.Action{
			Type:    actionType,
			Payload: map[string]any{},
			Status:  types.ActionPending,
		}
		if id, ok := parsed["id"].(string); ok && id != "" {
			action.ID = id
		} else {
			action.ID = generateActionID()
		}
		if payload, ok := parsed["payload"].(map[string]any); ok {
			action.Payload = payload
		}
		if desc, ok := parsed["description"].(string); ok {
			action.Description = desc
		}
		actions = append(actions, action)
	}
	return actions
}

// ParseComplete decodes a full response text in one call: strip a
// markdown code fence if present, find the balanced document, and fall
// back to salvaging actions and plain text when it never balances.
func ParseComplete(text string) Result {
	clean := strings.TrimSpace(text)

	if m := codeFenceRe.FindStringSubmatch(clean); m != nil {
		clean = strings.TrimSpace(m[1])
	}

	if jsonStr, _, ok := findBalancedJSON(clean); ok {
		if parsed := tryParseJSON(jsonStr); parsed != nil {
			return Result{
				Message: extractMessage(parsed),
				Actions: extractActions(parsed),
				RawText: text,
			}
		}
	}

	actions := extractPartialActions(clean)

	// Whatever precedes the broken JSON is the best available message;
	// if nothing usable remains, pass the raw text through verbatim so
	// the caller still has something to display.
	message := clean
	if idx := strings.Index(message, "```"); idx >= 0 {
		message = message[:idx]
	}
	if idx := strings.Index(message, "{"); idx >= 0 {
		message = message[:idx]
	}
	message = strings.TrimSpace(message)
	if len(message) < 5 {
		message = text
	}

	return Result{Message: message, Actions: actions, RawText: text}
}

// Finalize runs the balance-and-repair logic against the remaining
// buffer exactly once and returns everything extracted over the life of
// the stream. Safe to call repeatedly; later calls return the same
// result.
func (s *State) Finalize() Result {
	if s.finalized {
		return s.final
	}
	s.finalized = true

	if strings.TrimSpace(s.buffer) != "" {
		salvaged := ParseComplete(s.buffer)
		s.recordActions(salvaged.Actions)
		s.recordMessage(salvaged.Message)
	}

	s.final = Result{
		Message: s.extractedMessage,
		Actions: s.extractedActions,
		RawText: s.buffer,
	}
	return s.final
}

// Package agentflow tracks the observable state of one agent run: its
// phase, the steps and tool executions it performs, canvas targets it
// is operating on, and a diagnostic log. Transitions are driven by the
// code orchestrating a stream, not by the stream itself.
package agentflow

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase is the lifecycle phase of an agent run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAnalyzing Phase = "analyzing"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// StepStatus tracks progress of a step or tool execution.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepComplete StepStatus = "complete"
	StepError    StepStatus = "error"
	StepSkipped  StepStatus = "skipped"
)

// LogLevel classifies a flow log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogAction  LogLevel = "action"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
	LogWarning LogLevel = "warning"
)

// Step is one named unit of work inside a run.
type Step struct {
	ID          string         `json:"id"`
	Phase       Phase          `json:"phase"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	Status      StepStatus     `json:"status"`
	StartTime   int64          `json:"startTime"`
	EndTime     int64          `json:"endTime,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolExecution records one tool invocation.
type ToolExecution struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"toolName"`
	DisplayName string         `json:"displayName"`
	Status      StepStatus     `json:"status"`
	StartTime   int64          `json:"startTime"`
	EndTime     int64          `json:"endTime,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// TargetType says what a canvas target points at.
type TargetType string

const (
	TargetElement   TargetType = "element"
	TargetRegion    TargetType = "region"
	TargetCanvas    TargetType = "canvas"
	TargetSearching TargetType = "searching"
)

// Region is a rectangular canvas area.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CanvasTarget marks what part of the canvas the agent is working on.
type CanvasTarget struct {
	Type       TargetType `json:"type"`
	ElementID  string     `json:"elementId,omitempty"`
	ElementIDs []string   `json:"elementIds,omitempty"`
	Region     *Region    `json:"region,omitempty"`
	Label      string     `json:"label,omitempty"`
}

// LogEntry is one diagnostic line. The log is append-only for the
// lifetime of a run.
type LogEntry struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
	Details   string   `json:"details,omitempty"`
}

// Snapshot is a point-in-time copy of the flow state.
type Snapshot struct {
	RequestID     string          `json:"requestId,omitempty"`
	Phase         Phase           `json:"phase"`
	IsActive      bool            `json:"isActive"`
	Steps         []Step          `json:"steps"`
	CurrentStep   *Step           `json:"currentStep,omitempty"`
	Tools         []ToolExecution `json:"toolExecutions"`
	CurrentTool   *ToolExecution  `json:"currentTool,omitempty"`
	CanvasTargets []CanvasTarget  `json:"canvasTargets"`
	Logs          []LogEntry      `json:"logs"`
	Progress      int             `json:"progress"`
	ProgressLabel string          `json:"progressLabel,omitempty"`
	StartTime     int64           `json:"startTime,omitempty"`
	EndTime       int64           `json:"endTime,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Flow is a mutex-guarded agent flow state machine. The zero value is
// not usable; construct with New.
type Flow struct {
	mu sync.Mutex

	requestID     string
	phase         Phase
	active        bool
	steps         []Step
	currentStep   string
	tools         []ToolExecution
	currentTool   string
	targets       []CanvasTarget
	logs          []LogEntry
	progress      int
	progressLabel string
	startTime     int64
	endTime       int64
	err           string

	now func() time.Time
}

// New returns an idle flow.
func New() *Flow {
	return &Flow{phase: PhaseIdle, now: time.Now}
}

func generateFlowID() string {
	return "flow_" + ulid.Make().String()
}

// formatToolName turns a snake_case tool name into a display name,
// e.g. "spawn_shape" becomes "Spawn Shape".
func formatToolName(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// StartFlow resets all run state and moves to the analyzing phase. An
// empty requestID generates one; the id used is returned.
func (f *Flow) StartFlow(requestID string) string {
	if requestID == "" {
		requestID = generateFlowID()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = requestID
	f.phase = PhaseAnalyzing
	f.active = true
	f.steps = nil
	f.currentStep = ""
	f.tools = nil
	f.currentTool = ""
	f.targets = nil
	f.logs = nil
	f.progress = 0
	f.progressLabel = ""
	f.startTime = f.now().UnixMilli()
	f.endTime = 0
	f.err = ""
	return requestID
}

// EndFlow moves to completed or error, stamps the end time, forces
// progress to 100, and clears the current-step, current-tool, and
// canvas-target pointers. Step and tool history stays for display.
func (f *Flow) EndFlow(success bool, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.phase = PhaseCompleted
	} else {
		f.phase = PhaseError
	}
	f.active = false
	f.endTime = f.now().UnixMilli()
	f.currentStep = ""
	f.currentTool = ""
	f.targets = nil
	f.progress = 100
	if errMsg != "" {
		f.err = errMsg
	}
}

// ResetFlow returns the flow to idle and clears everything, including
// history and timing.
func (f *Flow) ResetFlow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = ""
	f.phase = PhaseIdle
	f.active = false
	f.steps = nil
	f.currentStep = ""
	f.tools = nil
	f.currentTool = ""
	f.targets = nil
	f.logs = nil
	f.progress = 0
	f.progressLabel = ""
	f.startTime = 0
	f.endTime = 0
	f.err = ""
}

// SetPhase moves to an arbitrary phase. A non-empty label also updates
// the progress label.
func (f *Flow) SetPhase(phase Phase, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = phase
	if label != "" {
		f.progressLabel = label
	}
}

// AddStep records a new step, marks it current, and returns its id.
func (f *Flow) AddStep(step Step) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	step.ID = generateFlowID()
	step.StartTime = f.now().UnixMilli()
	f.steps = append(f.steps, step)
	f.currentStep = step.ID
	return step.ID
}

// UpdateStep applies fn to the step with the given id, if present.
func (f *Flow) UpdateStep(id string, fn func(*Step)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.steps {
		if f.steps[i].ID == id {
			fn(&f.steps[i])
			return
		}
	}
}

// CompleteStep finishes a step and clears the current-step pointer if
// it still points at it.
func (f *Flow) CompleteStep(id string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.steps {
		if f.steps[i].ID == id {
			if success {
				f.steps[i].Status = StepComplete
			} else {
				f.steps[i].Status = StepError
			}
			f.steps[i].EndTime = f.now().UnixMilli()
			break
		}
	}
	if f.currentStep == id {
		f.currentStep = ""
	}
}

// StartTool records a tool invocation, marks it current, and moves the
// phase to executing. Returns the execution id.
func (f *Flow) StartTool(toolName string, input map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := ToolExecution{
		ID:          generateFlowID(),
		ToolName:    toolName,
		DisplayName: formatToolName(toolName),
		Status:      StepActive,
		StartTime:   f.now().UnixMilli(),
		Input:       input,
	}
	f.tools = append(f.tools, exec)
	f.currentTool = exec.ID
	f.phase = PhaseExecuting
	return exec.ID
}

// CompleteTool finishes a tool execution. A non-empty errMsg marks it
// failed regardless of output.
func (f *Flow) CompleteTool(id string, output any, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tools {
		if f.tools[i].ID == id {
			if errMsg != "" {
				f.tools[i].Status = StepError
			} else {
				f.tools[i].Status = StepComplete
			}
			f.tools[i].EndTime = f.now().UnixMilli()
			f.tools[i].Output = output
			f.tools[i].Error = errMsg
			break
		}
	}
	if f.currentTool == id {
		f.currentTool = ""
	}
}

// SetCanvasTarget replaces all targets with one.
func (f *Flow) SetCanvasTarget(target CanvasTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = []CanvasTarget{target}
}

// AddCanvasTarget appends a target.
func (f *Flow) AddCanvasTarget(target CanvasTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
}

// ClearCanvasTargets removes all targets.
func (f *Flow) ClearCanvasTargets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = nil
}

// Log appends a diagnostic entry.
func (f *Flow) Log(message string, level LogLevel, details string) {
	if level == "" {
		level = LogInfo
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, LogEntry{
		ID:        generateFlowID(),
		Timestamp: f.now().UnixMilli(),
		Level:     level,
		Message:   message,
		Details:   details,
	})
}

// SetProgress sets the progress percent, clamped to [0, 100]. A
// non-empty label also updates the progress label.
func (f *Flow) SetProgress(progress int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	f.progress = progress
	if label != "" {
		f.progressLabel = label
	}
}

// Duration returns elapsed run time, using now for a run still in
// flight. Returns zero and false if the flow never started.
func (f *Flow) Duration() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startTime == 0 {
		return 0, false
	}
	end := f.endTime
	if end == 0 {
		end = f.now().UnixMilli()
	}
	return time.Duration(end-f.startTime) * time.Millisecond, true
}

// Snapshot returns a copy of the full flow state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot{
		RequestID:     f.requestID,
		Phase:         f.phase,
		IsActive:      f.active,
		Steps:         append([]Step(nil), f.steps...),
		Tools:         append([]ToolExecution(nil), f.tools...),
		CanvasTargets: append([]CanvasTarget(nil), f.targets...),
		Logs:          append([]LogEntry(nil), f.logs...),
		Progress:      f.progress,
		ProgressLabel: f.progressLabel,
		StartTime:     f.startTime,
		EndTime:       f.endTime,
		Error:         f.err,
	}
	for i := range snap.Steps {
		if snap.Steps[i].ID == f.currentStep {
			step := snap.Steps[i]
			snap.CurrentStep = &step
			break
		}
	}
	for i := range snap.Tools {
		if snap.Tools[i].ID == f.currentTool {
			tool := snap.Tools[i]
			snap.CurrentTool = &tool
			break
		}
	}
	return snap
}

// CurrentPhase returns the phase the flow is in.
func (f *Flow) CurrentPhase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Active reports whether a run is in flight.
func (f *Flow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

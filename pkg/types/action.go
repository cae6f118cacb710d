package types

// ActionStatus tracks execution progress of an action on the consumer.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionComplete  ActionStatus = "complete"
	ActionError     ActionStatus = "error"
)

// Action is one discrete unit of work decoded from the model response,
// e.g. spawn_shape or add_text. The id is unique within a session; later
// events referencing the same id update status but never change Type.
type Action struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Description string         `json:"description,omitempty"`
	Status      ActionStatus   `json:"status"`
}

package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// StatusPending is the status of every freshly created task.
	StatusPending = 0
	// StatusAccepted is set by the store when a worker claims the task.
	StatusAccepted = 1
	// StatusError is terminal and sits outside every vocabulary.
	StatusError = -1

	EventCreated = "created"

	subtaskEventPrefix = "subtask_type_status."
)

type Creator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Subject     string          `json:"subject"`
	Status      int             `json:"status"`
	StatusText  string          `json:"status_text"`
	State       json.RawMessage `json:"state,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Events      []string        `json:"events"`
	ParentID    string          `json:"parent_task,omitempty"`
	Subtasks    []*Task         `json:"subtasks,omitempty"`
	Creator     *Creator        `json:"creator,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left untouched; State is
// shallow-merged into the stored state by key.
type Patch struct {
	Status      *int    `json:"status,omitempty"`
	StatusText  *string `json:"status_text,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	State       any     `json:"state,omitempty"`
}

func String(s string) *string { return &s }

func Int(i int) *int { return &i }

func (t *Task) HasEvent(name string) bool {
	for _, e := range t.Events {
		if e == name {
			return true
		}
	}
	return false
}

// DecodeState unmarshals the state blob into v. An empty state leaves v as is.
func (t *Task) DecodeState(v any) error {
	if len(t.State) == 0 || string(t.State) == "null" {
		return nil
	}
	if err := json.Unmarshal(t.State, v); err != nil {
		return fmt.Errorf("decode state of task %s: %w", t.ID, err)
	}
	return nil
}

func (t *Task) DecodeParameters(v any) error {
	if len(t.Parameters) == 0 {
		return fmt.Errorf("task %s has no parameters", t.ID)
	}
	if err := json.Unmarshal(t.Parameters, v); err != nil {
		return fmt.Errorf("decode parameters of task %s: %w", t.ID, err)
	}
	return nil
}

// SubtasksOfType returns the children of the given type in submission order.
func (t *Task) SubtasksOfType(typ string) []*Task {
	var out []*Task
	for _, s := range t.Subtasks {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// SubtaskEvent names the event fired when every subtask of childType under a
// parent has reached code.
func SubtaskEvent(childType string, code int) string {
	return subtaskEventPrefix + childType + "." + strconv.Itoa(code)
}

func ParseSubtaskEvent(name string) (childType string, code int, ok bool) {
	rest, found := strings.CutPrefix(name, subtaskEventPrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, ".")
	if i <= 0 {
		return "", 0, false
	}
	code, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], code, true
}

// CanTransition reports whether a status change from one code to another
// keeps the status monotonic. Error is reachable from anywhere and final.
func CanTransition(from, to int) bool {
	if from == StatusError {
		return to == StatusError
	}
	if to == StatusError {
		return true
	}
	return to >= from
}

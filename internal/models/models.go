package models

import "time"

// BatchStatus is the lifecycle state of a production batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchComplete  BatchStatus = "complete"
	BatchAbandoned BatchStatus = "abandoned"
)

// ScopeKind selects whose data an operation reads and writes.
type ScopeKind string

const (
	ScopePersonal ScopeKind = "personal"
	ScopeLocation ScopeKind = "location"
)

// Scope partitions remote data between a single staff member and a
// shared location (shop). Resolved once per session by the gateway.
type Scope struct {
	Kind       ScopeKind `json:"kind"`
	UserID     string    `json:"user_id"`
	LocationID string    `json:"location_id,omitempty"`
}

// WorkflowStep is one step of a recipe workflow: instructions, an
// optional timer, and an optional checklist.
type WorkflowStep struct {
	Name            string   `json:"name"`
	Instructions    string   `json:"instructions,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
	Checklist       []string `json:"checklist,omitempty"`
}

// Workflow is a recipe/workflow definition staff run batches of.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	OwnerID     string         `json:"owner_id"`
	LocationID  string         `json:"location_id,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// BatchStep tracks per-step progress within a running batch.
type BatchStep struct {
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TimerStartedAt *time.Time `json:"timer_started_at,omitempty"`
	CheckedItems   []int      `json:"checked_items,omitempty"`
}

// Batch is a single run of a workflow. CurrentStepIndex advances as
// staff complete steps; ClaimedBy records which device is driving it.
type Batch struct {
	ID               string      `json:"id"`
	WorkflowID       string      `json:"workflow_id"`
	Name             string      `json:"name"`
	Status           BatchStatus `json:"status"`
	CurrentStepIndex int         `json:"current_step_index"`
	Steps            []BatchStep `json:"steps"`
	ClaimedBy        string      `json:"claimed_by,omitempty"`
	OwnerID          string      `json:"owner_id"`
	LocationID       string      `json:"location_id,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Cache reads hand out clones so callers
// can never mutate cached state through the returned value.
func (w Workflow) Clone() Workflow {
	c := w
	if w.Steps != nil {
		c.Steps = make([]WorkflowStep, len(w.Steps))
		for i, s := range w.Steps {
			c.Steps[i] = s
			if s.Checklist != nil {
				c.Steps[i].Checklist = append([]string(nil), s.Checklist...)
			}
		}
	}

	return c
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	c := b
	if b.Steps != nil {
		c.Steps = make([]BatchStep, len(b.Steps))
		for i, s := range b.Steps {
			c.Steps[i] = s
			if s.CompletedAt != nil {
				t := *s.CompletedAt
				c.Steps[i].CompletedAt = &t
			}

			if s.TimerStartedAt != nil {
				t := *s.TimerStartedAt
				c.Steps[i].TimerStartedAt = &t
			}

			if s.CheckedItems != nil {
				c.Steps[i].CheckedItems = append([]int(nil), s.CheckedItems...)
			}
		}
	}

	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}

	return c
}

// ID accessors used by the generic cache.

func (w Workflow) Key() string { return w.ID }
func (b Batch) Key() string    { return b.ID }

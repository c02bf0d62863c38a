package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowClone_DeepCopiesSteps(t *testing.T) {
	w := Workflow{
		ID:   "w1",
		Name: "Sourdough",
		Steps: []WorkflowStep{
			{Name: "Mix", Checklist: []string{"flour", "water", "salt"}},
			{Name: "Bake", DurationSeconds: 2400},
		},
	}

	c := w.Clone()
	c.Steps[0].Name = "mutated"
	c.Steps[0].Checklist[1] = "mutated"

	assert.Equal(t, "Mix", w.Steps[0].Name)
	assert.Equal(t, "water", w.Steps[0].Checklist[1])
}

func TestWorkflowClone_NilSteps(t *testing.T) {
	w := Workflow{ID: "w1"}
	c := w.Clone()
	assert.Nil(t, c.Steps)
}

func TestBatchClone_DeepCopiesStepState(t *testing.T) {
	done := time.Date(2026, 8, 27, 7, 0, 0, 0, time.UTC)
	timer := done.Add(-time.Hour)

	b := Batch{
		ID:     "b1",
		Status: BatchRunning,
		Steps: []BatchStep{
			{CompletedAt: &done, TimerStartedAt: &timer, CheckedItems: []int{0, 2}},
			{},
		},
	}

	c := b.Clone()
	*c.Steps[0].CompletedAt = c.Steps[0].CompletedAt.Add(time.Hour)
	c.Steps[0].CheckedItems[0] = 99

	assert.True(t, b.Steps[0].CompletedAt.Equal(done))
	assert.Equal(t, 0, b.Steps[0].CheckedItems[0])
}

func TestBatchClone_CompletedAtDetached(t *testing.T) {
	done := time.Now().UTC()
	b := Batch{ID: "b1", CompletedAt: &done}

	c := b.Clone()
	require.NotNil(t, c.CompletedAt)
	require.NotSame(t, b.CompletedAt, c.CompletedAt)
	assert.True(t, c.CompletedAt.Equal(done))
}

package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Test workflow builders ---

func approvalWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Code:    "loan",
		Version: 2,
		Steps: []schema.StepDefinition{
			{ID: "start", Type: schema.StepTypeStart, Transitions: []schema.Transition{{To: "charge"}}},
			{
				ID:           "charge",
				Type:         schema.StepTypeServiceTask,
				Config:       map[string]any{"serviceMethodId": "chargeCard"},
				Transitions:  []schema.Transition{{To: "route"}},
				Compensation: []schema.CompensationAction{{Type: schema.CompensationAPICall, Config: map[string]any{"serviceMethodId": "refund"}}},
			},
			{
				ID:   "route",
				Type: schema.StepTypeDecision,
				Transitions: []schema.Transition{
					{To: "review", Condition: "context.amount > 100.0"},
					{To: "end"},
				},
			},
			{ID: "review", Type: schema.StepTypeHumanTask, Transitions: []schema.Transition{{To: "end"}}},
			{ID: "end", Type: schema.StepTypeEnd},
		},
	}
}

func nodeIDs(m *DiagramModel) []string {
	ids := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func nodeByID(m *DiagramModel, id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// --- Tests ---

func TestBuildBreadthFirst(t *testing.T) {
	model, err := Build(approvalWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "loan v2", model.Title)
	assert.Equal(t, []string{"start", "charge", "route", "review", "end"}, nodeIDs(model))
	assert.Len(t, model.Edges, 5)
}

func TestBuildKindsAndLabels(t *testing.T) {
	model, err := Build(approvalWorkflow(), nil)
	require.NoError(t, err)

	charge := nodeByID(model, "charge")
	require.NotNil(t, charge)
	assert.Equal(t, NodeKindService, charge.Kind)
	assert.Equal(t, "charge (chargeCard)", charge.Label)
	assert.True(t, charge.Undoable)

	assert.Equal(t, NodeKindDecision, nodeByID(model, "route").Kind)
	assert.Equal(t, NodeKindWait, nodeByID(model, "review").Kind)
	assert.Equal(t, NodeKindEnd, nodeByID(model, "end").Kind)
	assert.False(t, nodeByID(model, "review").Undoable)
}

func TestBuildConditionEdgeLabels(t *testing.T) {
	model, err := Build(approvalWorkflow(), nil)
	require.NoError(t, err)

	var labels []string
	for _, e := range model.Edges {
		if e.From == "route" {
			labels = append(labels, e.Label)
		}
	}
	assert.Equal(t, []string{"context.amount > 100.0", ""}, labels)
}

func TestBuildStatusOverlay(t *testing.T) {
	history := []*store.RunStep{
		{StepID: "start", Status: schema.StepStatusCompleted, Attempt: 1},
		{StepID: "charge", Status: schema.StepStatusFailed, Attempt: 1, Error: "timeout"},
		{StepID: "charge", Status: schema.StepStatusCompensated, Attempt: 2},
	}

	model, err := Build(approvalWorkflow(), history)
	require.NoError(t, err)

	charge := nodeByID(model, "charge")
	require.NotNil(t, charge.Status)
	assert.Equal(t, "compensated", charge.Status.Status)
	assert.Equal(t, 2, charge.Status.Attempts)
	assert.Empty(t, charge.Status.Error)

	assert.Nil(t, nodeByID(model, "route").Status)
}

func TestBuildRejectsInvalidGraph(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Code: "broken",
		Steps: []schema.StepDefinition{
			{ID: "start", Type: schema.StepTypeStart, Transitions: []schema.Transition{{To: "missing"}}},
		},
	}
	_, err := Build(def, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeGraph))
}

// Package diagram renders workflow step graphs, optionally overlaid with the
// state of a run, as Mermaid flowcharts.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
	NodeKindTask         NodeKind = "task"
	NodeKindDecision     NodeKind = "decision"
	NodeKindWait         NodeKind = "wait"
	NodeKindTimer        NodeKind = "timer"
	NodeKindService      NodeKind = "service"
	NodeKindCompensation NodeKind = "compensation"
)

// DiagramModel is the intermediate representation used by renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Undoable is set when the step declares compensation actions.
	Undoable bool
	Status   *StatusOverlay
}

// StatusOverlay carries the latest runtime state of a step.
type StatusOverlay struct {
	Status   string // from schema.StepStatus
	Attempts int
	Error    string
}

// Edge is a transition. Label holds the condition, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

package diagram

// NodeKind classifies a diagram node by the step type it draws.
type NodeKind string

const (
	NodeKindTask         NodeKind = "task"
	NodeKindCondition    NodeKind = "condition"
	NodeKindNotification NodeKind = "notification"
	NodeKindDelay        NodeKind = "delay"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// Virtual node ids framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one step of the graph.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what one run did at a step.
type StatusOverlay struct {
	Status     string // running | completed | failed | retrying
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is a next edge. Branch edges carry "true" or "false" as label.
type Edge struct {
	From  string
	To    string
	Label string
}

// node looks up a node by ID.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

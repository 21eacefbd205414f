package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition. When events is
// the log of one run, every step the run touched carries a status overlay.
func Build(title string, def *schema.WorkflowDefinition, events []*store.RunEvent) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no steps")
	}
	entry := def.EntryStep()
	if entry == nil {
		return nil, fmt.Errorf("diagram: workflow has no entry step")
	}
	if title == "" {
		title = "Workflow"
	}

	model := &DiagramModel{Title: title}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:    step.ID,
			Label: fmt.Sprintf("%s\n(%s)", step.ID, step.Type),
			Kind:  stepTypeToKind(step.Type),
		})
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(def, entry.ID)
	model.Levels = buildLevels(def, entry.ID)
	overlayEvents(model, events)
	return model, nil
}

// stepTypeToKind converts a schema.StepType to a NodeKind.
func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeNotification:
		return NodeKindNotification
	case schema.StepTypeDelay:
		return NodeKindDelay
	default:
		return NodeKindTask
	}
}

// buildEdges draws start → entry, every next edge, and terminal steps → end.
// Edges to unknown steps are dropped.
func buildEdges(def *schema.WorkflowDefinition, entryID string) []Edge {
	edges := []Edge{{From: StartID, To: entryID}}
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Next.Terminal() {
			edges = append(edges, Edge{From: step.ID, To: EndID})
			continue
		}
		if step.Next.Step != "" && def.StepByID(step.Next.Step) != nil {
			edges = append(edges, Edge{From: step.ID, To: step.Next.Step})
		}
		if b := step.Next.Branch; b != nil {
			edges = append(edges, branchEdge(def, step.ID, b.True, "true"))
			edges = append(edges, branchEdge(def, step.ID, b.False, "false"))
		}
	}
	return edges
}

// branchEdge points a branch outcome at its target. An empty target ends the run.
func branchEdge(def *schema.WorkflowDefinition, from, to, label string) Edge {
	if to == "" || def.StepByID(to) == nil {
		return Edge{From: from, To: EndID, Label: label}
	}
	return Edge{From: from, To: to, Label: label}
}

// buildLevels ranks steps by their first-reached depth from the entry.
// Unreachable steps share one level after the deepest reachable one.
func buildLevels(def *schema.WorkflowDefinition, entryID string) [][]string {
	depth := map[string]int{entryID: 0}
	queue := []string{entryID}
	maxDepth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := def.StepByID(id)
		for _, next := range successors(step) {
			if _, seen := depth[next]; seen || def.StepByID(next) == nil {
				continue
			}
			depth[next] = depth[id] + 1
			maxDepth = max(maxDepth, depth[next])
			queue = append(queue, next)
		}
	}

	levels := make([][]string, maxDepth+1)
	var orphans []string
	for _, step := range def.Steps {
		d, ok := depth[step.ID]
		if !ok {
			orphans = append(orphans, step.ID)
			continue
		}
		levels[d] = append(levels[d], step.ID)
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}

	out := make([][]string, 0, len(levels)+2)
	out = append(out, []string{StartID})
	out = append(out, levels...)
	out = append(out, []string{EndID})
	return out
}

func successors(step *schema.StepDefinition) []string {
	if step == nil || step.Next.Terminal() {
		return nil
	}
	var out []string
	if step.Next.Step != "" {
		out = append(out, step.Next.Step)
	}
	if b := step.Next.Branch; b != nil {
		for _, id := range []string{b.True, b.False} {
			if id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// stepEventPayload is the union of the step lifecycle payloads.
type stepEventPayload struct {
	Attempts   int    `json:"attempts"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// overlayEvents replays a run's step events onto the nodes. Later events win.
func overlayEvents(model *DiagramModel, events []*store.RunEvent) {
	for _, ev := range events {
		switch ev.Type {
		case schema.EventStepStarted, schema.EventStepRetrying, schema.EventStepCompleted, schema.EventStepFailed:
		default:
			continue
		}
		node := model.node(ev.StepID)
		if node == nil {
			continue
		}
		var p stepEventPayload
		if len(ev.Payload) > 0 {
			_ = json.Unmarshal(ev.Payload, &p)
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		switch ev.Type {
		case schema.EventStepStarted:
			node.Status.Status = "running"
		case schema.EventStepRetrying:
			node.Status.Status = "retrying"
			node.Status.Attempts = p.Attempt
			node.Status.Error = p.Error
		case schema.EventStepCompleted:
			node.Status.Status = "completed"
			node.Status.Attempts = p.Attempts
			node.Status.DurationMs = p.DurationMs
			node.Status.Error = ""
		case schema.EventStepFailed:
			node.Status.Status = "failed"
			node.Status.Attempts = p.Attempts
			node.Status.Error = p.Error
		}
	}
}

package workflow

import (
	"fmt"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/rules"
)

// NodeType identifies what a node does when executed.
type NodeType string

const (
	NodeWait   NodeType = "wait"
	NodeSend   NodeType = "send"
	NodeBranch NodeType = "branch"
	NodeUpdate NodeType = "update"
	NodeNotify NodeType = "notify"
	NodeEnrol  NodeType = "enrol"
	NodeStop   NodeType = "stop"
)

// Named edge handles. A node's execution result selects a handle; the
// edge map resolves it to the next node id.
const (
	EdgeDefault    = "default"
	EdgeYes        = "yes"
	EdgeNo         = "no"
	EdgeSuppressed = "suppressed"
)

// WaitConfig schedules the next check a fixed duration out.
type WaitConfig struct {
	Duration sequent.Duration `json:"duration"`
}

// SendConfig describes the email a send node queues. AddressField names
// the snapshot field holding the recipient address ("email" by default).
type SendConfig struct {
	TemplateID   string `json:"template_id"`
	Subject      string `json:"subject,omitempty"`
	Body         string `json:"body,omitempty"`
	AddressField string `json:"address_field,omitempty"`
}

// BranchConfig evaluates a condition tree; true routes "yes", false "no".
type BranchConfig struct {
	Condition *rules.Condition `json:"condition"`
}

// UpdateConfig merges fields into the enrollment snapshot and optionally
// applies a score delta.
type UpdateConfig struct {
	Fields     map[string]any `json:"fields,omitempty"`
	ScoreDelta float64        `json:"score_delta,omitempty"`
}

// NotifyConfig emits an internal alert through the notifier collaborator.
type NotifyConfig struct {
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
}

// EnrolConfig enrolls the same lead into another workflow, carrying the
// current snapshot forward.
type EnrolConfig struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
}

// StopConfig terminates the enrollment with the given outcome reason.
type StopConfig struct {
	Outcome string `json:"outcome,omitempty"`
}

// Node is one vertex of a workflow graph. Exactly the config matching
// Type must be set; Edges maps handle names to target node ids.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	Wait   *WaitConfig   `json:"wait,omitempty"`
	Send   *SendConfig   `json:"send,omitempty"`
	Branch *BranchConfig `json:"branch,omitempty"`
	Update *UpdateConfig `json:"update,omitempty"`
	Notify *NotifyConfig `json:"notify,omitempty"`
	Enrol  *EnrolConfig  `json:"enrol,omitempty"`
	Stop   *StopConfig   `json:"stop,omitempty"`

	Edges map[string]string `json:"edges,omitempty"`
}

// Definition is a versioned workflow graph. Once a live enrollment
// references a (workflow, version) pair that version is immutable;
// changes are published as a new version.
type Definition struct {
	sequent.Entity

	ID          id.WorkflowID `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Version     int           `json:"version"`
	EntryNodeID string        `json:"entry_node_id"`
	Nodes       []*Node       `json:"nodes"`
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(nodeID string) *Node {
	for _, n := range d.Nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// Validate checks a definition against the node-type vocabulary and the
// graph's referential integrity, failing closed: a definition that names
// an unknown type, omits the config for its type, or points an edge at a
// missing node is rejected at load time rather than discovered mid-run.
//
// Stop nodes must not carry outgoing edges. Any other node may omit its
// edges entirely — a missing edge at traversal time is implicit
// completion, not an error.
func Validate(d *Definition) error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", sequent.ErrInvalidDefinition)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: definition %q has no nodes", sequent.ErrInvalidDefinition, d.Name)
	}

	seen := make(map[string]*Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: definition %q has a node with an empty id", sequent.ErrInvalidDefinition, d.Name)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: definition %q has duplicate node id %q", sequent.ErrInvalidDefinition, d.Name, n.ID)
		}
		seen[n.ID] = n
	}

	if _, ok := seen[d.EntryNodeID]; !ok {
		return fmt.Errorf("%w: definition %q entry node %q does not exist", sequent.ErrInvalidDefinition, d.Name, d.EntryNodeID)
	}

	for _, n := range d.Nodes {
		if err := validateNode(d, n); err != nil {
			return err
		}
		for handle, target := range n.Edges {
			if _, ok := seen[target]; !ok {
				return fmt.Errorf("%w: node %q edge %q targets missing node %q", sequent.ErrInvalidDefinition, n.ID, handle, target)
			}
		}
	}

	return nil
}

func validateNode(d *Definition, n *Node) error {
	switch n.Type {
	case NodeWait:
		if n.Wait == nil || n.Wait.Duration <= 0 {
			return fmt.Errorf("%w: wait node %q needs a positive duration", sequent.ErrInvalidDefinition, n.ID)
		}
	case NodeSend:
		if n.Send == nil || n.Send.TemplateID == "" {
			return fmt.Errorf("%w: send node %q needs a template id", sequent.ErrInvalidDefinition, n.ID)
		}
	case NodeBranch:
		if n.Branch == nil {
			return fmt.Errorf("%w: branch node %q has no condition", sequent.ErrInvalidDefinition, n.ID)
		}
		if err := rules.Validate(n.Branch.Condition); err != nil {
			return fmt.Errorf("branch node %q: %w", n.ID, err)
		}
	case NodeUpdate:
		if n.Update == nil {
			return fmt.Errorf("%w: update node %q has no config", sequent.ErrInvalidDefinition, n.ID)
		}
	case NodeNotify:
		if n.Notify == nil || n.Notify.Message == "" {
			return fmt.Errorf("%w: notify node %q needs a message", sequent.ErrInvalidDefinition, n.ID)
		}
	case NodeEnrol:
		if n.Enrol == nil || n.Enrol.WorkflowID.IsNil() {
			return fmt.Errorf("%w: enrol node %q needs a target workflow", sequent.ErrInvalidDefinition, n.ID)
		}
	case NodeStop:
		if len(n.Edges) > 0 {
			return fmt.Errorf("%w: stop node %q must not have outgoing edges", sequent.ErrInvalidDefinition, n.ID)
		}
	default:
		return fmt.Errorf("%w: node %q has unknown type %q", sequent.ErrInvalidDefinition, n.ID, n.Type)
	}
	return nil
}

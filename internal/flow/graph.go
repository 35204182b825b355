package flow

import (
	"encoding/json"
	"fmt"

	"flowgate/pkg/models"
)

// Condition operators
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
)

// Typed node parameters. Each node type carries its own payload, decoded and
// validated when the graph is compiled so malformed configs fail at load
// time instead of mid-session.

// SendMessageParams configures a sendMessage node
type SendMessageParams struct {
	Text string `json:"text"`
}

// SendTemplateParams configures a sendTemplate node
type SendTemplateParams struct {
	TemplateName string `json:"template_name"`
	Language     string `json:"language"`
}

// AskQuestionParams configures an askQuestion or csatSurvey node
type AskQuestionParams struct {
	Question string `json:"question"`
	Variable string `json:"variable"` // session variable the reply populates
}

// ConditionParams configures a condition node
type ConditionParams struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// DelayParams configures a delay node
type DelayParams struct {
	Seconds int `json:"seconds"`
}

// APICallParams configures an apiCall node
type APICallParams struct {
	URL      string `json:"url"`
	Method   string `json:"method"`
	Body     string `json:"body"`
	Variable string `json:"variable"` // session variable bound to the response
}

// AssignAgentParams configures an assignAgent node
type AssignAgentParams struct {
	AgentID string `json:"agent_id"`
}

// AddTagParams configures an addTag node
type AddTagParams struct {
	TagID string `json:"tag_id"`
}

// SetVariableParams configures a setVariable node
type SetVariableParams struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Node is one compiled graph node with its decoded, validated parameters
type Node struct {
	ID     string
	Type   string
	Params interface{}
}

// Graph is a compiled, validated flow ready for execution
type Graph struct {
	nodes         map[string]*Node
	edgesBySource map[string][]models.FlowEdge
	start         *Node
}

// Compile decodes and validates a flow's node list and edge list. Every
// edge must reference existing nodes and exactly one start node must exist.
func Compile(f *models.Flow) (*Graph, error) {
	g := &Graph{
		nodes:         make(map[string]*Node, len(f.Nodes)),
		edgesBySource: make(map[string][]models.FlowEdge),
	}

	for _, raw := range f.Nodes {
		if raw.ID == "" {
			return nil, fmt.Errorf("flow %s: node with empty id", f.ID)
		}
		if _, dup := g.nodes[raw.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %q", f.ID, raw.ID)
		}

		params, err := decodeParams(raw)
		if err != nil {
			return nil, fmt.Errorf("flow %s node %q: %w", f.ID, raw.ID, err)
		}

		node := &Node{ID: raw.ID, Type: raw.Type, Params: params}
		g.nodes[raw.ID] = node

		if raw.Type == models.NodeStart {
			if g.start != nil {
				return nil, fmt.Errorf("flow %s: multiple start nodes", f.ID)
			}
			g.start = node
		}
	}

	if g.start == nil {
		return nil, fmt.Errorf("flow %s: missing start node", f.ID)
	}

	for _, edge := range f.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, fmt.Errorf("flow %s: edge source %q does not exist", f.ID, edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("flow %s: edge target %q does not exist", f.ID, edge.Target)
		}
		g.edgesBySource[edge.Source] = append(g.edgesBySource[edge.Source], edge)
	}

	return g, nil
}

// Start returns the start node
func (g *Graph) Start() *Node {
	return g.start
}

// Node looks up a node by id
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next follows the outgoing edge from a node. For condition nodes the
// handle selects the branch; other nodes pass an empty handle and take
// their single outgoing edge.
func (g *Graph) Next(nodeID, handle string) (*Node, bool) {
	for _, edge := range g.edgesBySource[nodeID] {
		if edge.Handle == handle {
			return g.nodes[edge.Target], true
		}
	}
	// Fall back to the first edge when no handle matches exactly
	if handle == "" {
		if edges := g.edgesBySource[nodeID]; len(edges) > 0 {
			return g.nodes[edges[0].Target], true
		}
	}
	return nil, false
}

func decodeParams(raw models.FlowNode) (interface{}, error) {
	data := raw.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	switch raw.Type {
	case models.NodeStart, models.NodeEnd:
		return nil, nil

	case models.NodeSendMessage:
		var p SendMessageParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid sendMessage params: %w", err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("sendMessage requires text")
		}
		return p, nil

	case models.NodeSendTemplate:
		var p SendTemplateParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid sendTemplate params: %w", err)
		}
		if p.TemplateName == "" {
			return nil, fmt.Errorf("sendTemplate requires template_name")
		}
		if p.Language == "" {
			p.Language = "en"
		}
		return p, nil

	case models.NodeAskQuestion, models.NodeCSATSurvey:
		var p AskQuestionParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid askQuestion params: %w", err)
		}
		if p.Question == "" || p.Variable == "" {
			return nil, fmt.Errorf("askQuestion requires question and variable")
		}
		return p, nil

	case models.NodeCondition:
		var p ConditionParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid condition params: %w", err)
		}
		if p.Variable == "" {
			return nil, fmt.Errorf("condition requires variable")
		}
		switch p.Operator {
		case "", OpEquals:
			p.Operator = OpEquals
		case OpNotEquals, OpContains:
		default:
			return nil, fmt.Errorf("unsupported condition operator %q", p.Operator)
		}
		return p, nil

	case models.NodeDelay:
		var p DelayParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid delay params: %w", err)
		}
		if p.Seconds <= 0 {
			return nil, fmt.Errorf("delay requires seconds > 0")
		}
		return p, nil

	case models.NodeAPICall:
		var p APICallParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid apiCall params: %w", err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("apiCall requires url")
		}
		if p.Method == "" {
			p.Method = "GET"
		}
		return p, nil

	case models.NodeAssignAgent:
		var p AssignAgentParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid assignAgent params: %w", err)
		}
		if p.AgentID == "" {
			return nil, fmt.Errorf("assignAgent requires agent_id")
		}
		return p, nil

	case models.NodeAddTag:
		var p AddTagParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid addTag params: %w", err)
		}
		if p.TagID == "" {
			return nil, fmt.Errorf("addTag requires tag_id")
		}
		return p, nil

	case models.NodeSetVariable:
		var p SetVariableParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid setVariable params: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("setVariable requires name")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown node type %q", raw.Type)
	}
}

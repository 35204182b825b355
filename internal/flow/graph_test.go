package flow

import (
	"testing"

	"flowgate/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flowOf(nodes []models.FlowNode, edges []models.FlowEdge) *models.Flow {
	return &models.Flow{Nodes: nodes, Edges: edges}
}

func TestCompileValidGraph(t *testing.T) {
	g, err := Compile(flowOf(
		[]models.FlowNode{
			node("n1", models.NodeStart, `{}`),
			node("n2", models.NodeSendMessage, `{"text":"hi"}`),
			node("n3", models.NodeEnd, `{}`),
		},
		[]models.FlowEdge{edge("n1", "n2"), edge("n2", "n3")},
	))
	require.NoError(t, err)
	assert.Equal(t, "n1", g.Start().ID)

	next, ok := g.Next("n1", "")
	require.True(t, ok)
	assert.Equal(t, "n2", next.ID)

	_, ok = g.Next("n3", "")
	assert.False(t, ok)
}

func TestCompileRejectsMissingStart(t *testing.T) {
	_, err := Compile(flowOf(
		[]models.FlowNode{node("n1", models.NodeEnd, `{}`)},
		nil,
	))
	assert.Error(t, err)
}

func TestCompileRejectsTwoStarts(t *testing.T) {
	_, err := Compile(flowOf(
		[]models.FlowNode{
			node("a", models.NodeStart, `{}`),
			node("b", models.NodeStart, `{}`),
		},
		nil,
	))
	assert.Error(t, err)
}

func TestCompileRejectsDuplicateNodeIDs(t *testing.T) {
	_, err := Compile(flowOf(
		[]models.FlowNode{
			node("a", models.NodeStart, `{}`),
			node("a", models.NodeEnd, `{}`),
		},
		nil,
	))
	assert.Error(t, err)
}

func TestCompileRejectsDanglingEdges(t *testing.T) {
	_, err := Compile(flowOf(
		[]models.FlowNode{node("a", models.NodeStart, `{}`)},
		[]models.FlowEdge{edge("a", "ghost")},
	))
	assert.Error(t, err)
}

func TestCompileRejectsBadParams(t *testing.T) {
	cases := []models.FlowNode{
		node("x", models.NodeSendMessage, `{}`),                           // missing text
		node("x", models.NodeAskQuestion, `{"question":"q"}`),             // missing variable
		node("x", models.NodeDelay, `{"seconds":0}`),                      // non-positive delay
		node("x", models.NodeCondition, `{"operator":"gt","value":"1"}`),  // missing variable
		node("x", models.NodeCondition, `{"variable":"v","operator":"~"}`), // bad operator
		node("x", models.NodeAPICall, `{"method":"GET"}`),                 // missing url
		node("x", "teleport", `{}`),                                       // unknown type
	}
	for _, bad := range cases {
		_, err := Compile(flowOf(
			[]models.FlowNode{node("s", models.NodeStart, `{}`), bad},
			[]models.FlowEdge{edge("s", "x")},
		))
		assert.Error(t, err, "node type %s should be rejected", bad.Type)
	}
}

func TestCompileAppliesDefaults(t *testing.T) {
	g, err := Compile(flowOf(
		[]models.FlowNode{
			node("s", models.NodeStart, `{}`),
			node("t", models.NodeSendTemplate, `{"template_name":"welcome"}`),
			node("c", models.NodeCondition, `{"variable":"v","value":"1"}`),
			node("a", models.NodeAPICall, `{"url":"https://example.com"}`),
		},
		[]models.FlowEdge{edge("s", "t"), edge("t", "c"), edge("c", "a")},
	))
	require.NoError(t, err)

	tn, _ := g.Node("t")
	assert.Equal(t, "en", tn.Params.(SendTemplateParams).Language)
	cn, _ := g.Node("c")
	assert.Equal(t, OpEquals, cn.Params.(ConditionParams).Operator)
	an, _ := g.Node("a")
	assert.Equal(t, "GET", an.Params.(APICallParams).Method)
}

func TestNextSelectsHandle(t *testing.T) {
	g, err := Compile(flowOf(
		[]models.FlowNode{
			node("s", models.NodeStart, `{}`),
			node("c", models.NodeCondition, `{"variable":"v","value":"1"}`),
			node("a", models.NodeEnd, `{}`),
			node("b", models.NodeEnd, `{}`),
		},
		[]models.FlowEdge{
			edge("s", "c"),
			branchEdge("c", "a", "true"),
			branchEdge("c", "b", "false"),
		},
	))
	require.NoError(t, err)

	next, ok := g.Next("c", "true")
	require.True(t, ok)
	assert.Equal(t, "a", next.ID)

	next, ok = g.Next("c", "false")
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)
}

func TestMatchTriggerPriorityOrder(t *testing.T) {
	flows := []models.Flow{
		{TriggerType: models.FlowTriggerKeyword, TriggerValue: "order, buy", Priority: 1},
		{TriggerType: models.FlowTriggerAllMessages, Priority: 2},
	}

	matched := MatchTrigger(flows, "I want to BUY", false)
	require.NotNil(t, matched)
	assert.Equal(t, models.FlowTriggerKeyword, matched.TriggerType)

	matched = MatchTrigger(flows, "hello", false)
	require.NotNil(t, matched)
	assert.Equal(t, models.FlowTriggerAllMessages, matched.TriggerType)
}

func TestMatchTriggerFirstMessage(t *testing.T) {
	flows := []models.Flow{{TriggerType: models.FlowTriggerFirstMessage}}

	assert.NotNil(t, MatchTrigger(flows, "hi", true))
	assert.Nil(t, MatchTrigger(flows, "hi", false))
}

func TestMatchTriggerSkipsManualAndWebhook(t *testing.T) {
	flows := []models.Flow{
		{TriggerType: models.FlowTriggerManual},
		{TriggerType: models.FlowTriggerWebhook},
	}
	assert.Nil(t, MatchTrigger(flows, "anything", true))
}

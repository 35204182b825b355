package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowgate/internal/background"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MaxStepsPerEvent caps synchronous graph traversal per inbound event so a
// cyclic tenant-authored graph cannot spin a worker forever
const MaxStepsPerEvent = 50

// apiCallBodyLimit bounds how much of an apiCall response is bound into a
// session variable
const apiCallBodyLimit = 64 * 1024

// Sender performs the conversation-level effects of flow nodes
type Sender interface {
	SendFlowText(ctx context.Context, tenantID, conversationID uuid.UUID, body string) error
	SendFlowTemplate(ctx context.Context, tenantID, conversationID uuid.UUID, templateName, language string) error
	AssignAgent(ctx context.Context, tenantID, conversationID, agentID uuid.UUID) error
	AddTag(ctx context.Context, tenantID, contactID, tagID uuid.UUID) error
}

// Resumer schedules a deferred continuation for delay nodes. The session
// persists and the worker slot is released; no blocking sleep.
type Resumer interface {
	ScheduleResume(ctx context.Context, tenantID, sessionID uuid.UUID, delay time.Duration) error
}

// Engine executes flow sessions: one state machine per conversation over a
// tenant-authored graph
type Engine struct {
	flowRepo    *repo.FlowRepository
	sessionRepo *repo.FlowSessionRepository
	sender      Sender
	resumer     Resumer
	httpClient  *http.Client
	log         zerolog.Logger
}

// NewEngine creates a flow engine
func NewEngine(flowRepo *repo.FlowRepository, sessionRepo *repo.FlowSessionRepository, sender Sender, resumer Resumer, logger zerolog.Logger) *Engine {
	return &Engine{
		flowRepo:    flowRepo,
		sessionRepo: sessionRepo,
		sender:      sender,
		resumer:     resumer,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		log:         logger.With().Str("component", "flow-engine").Logger(),
	}
}

// StartSession creates a session at the start node and steps it until it
// suspends or terminates. Returns nil without error when the flow fails to
// compile (logged; a broken draft must not poison inbound processing).
func (e *Engine) StartSession(ctx context.Context, f *models.Flow, conversationID, contactID uuid.UUID) (*models.FlowSession, error) {
	g, err := Compile(f)
	if err != nil {
		e.log.Warn().Err(err).Str("flow_id", f.ID.String()).Msg("Flow failed to compile, not starting session")
		return nil, nil
	}

	session := &models.FlowSession{
		BaseTenantModel: models.BaseTenantModel{TenantID: f.TenantID},
		FlowID:          f.ID,
		ConversationID:  conversationID,
		ContactID:       contactID,
		CurrentNodeID:   g.Start().ID,
		Variables:       models.VariableMap{},
		Status:          models.SessionActive,
	}
	if err := e.sessionRepo.Create(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	flowID := f.ID
	tenantID := f.TenantID
	background.SpawnBestEffort("flow-session-count", func() error {
		return e.flowRepo.IncrementSessionCount(tenantID, flowID)
	})

	if err := e.step(ctx, g, f, session); err != nil {
		return session, err
	}
	return session, nil
}

// ResumeWithReply feeds the next inbound message into a waiting session:
// the reply is bound to the remembered variable and stepping continues past
// the question node.
func (e *Engine) ResumeWithReply(ctx context.Context, session *models.FlowSession, reply string) error {
	f, err := e.flowRepo.GetByID(session.TenantID, session.FlowID)
	if err != nil {
		return e.failSession(session, fmt.Sprintf("flow no longer loadable: %v", err))
	}
	g, err := Compile(f)
	if err != nil {
		return e.failSession(session, fmt.Sprintf("flow no longer compiles: %v", err))
	}

	current, ok := g.Node(session.CurrentNodeID)
	if !ok {
		// Flow edited after the session was created: error, not a silent skip
		return e.failSession(session, fmt.Sprintf("current node %q missing from flow", session.CurrentNodeID))
	}

	if session.Variables == nil {
		session.Variables = models.VariableMap{}
	}
	if session.WaitingVariable != "" {
		session.Variables[session.WaitingVariable] = reply
	}
	session.WaitingForInput = false
	session.WaitingVariable = ""
	e.appendHistory(session, current.ID, current.Type, "input received")

	next, ok := g.Next(current.ID, "")
	if !ok {
		return e.completeSession(session, f, current)
	}
	session.CurrentNodeID = next.ID

	return e.step(ctx, g, f, session)
}

// ResumeAfterDelay continues a session whose delay node's continuation has
// come due
func (e *Engine) ResumeAfterDelay(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	session, err := e.sessionRepo.GetByID(tenantID, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			e.log.Debug().Str("session_id", sessionID.String()).Msg("deferred resume for missing session dropped")
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status != models.SessionActive || session.WaitingForInput {
		return nil
	}

	f, err := e.flowRepo.GetByID(session.TenantID, session.FlowID)
	if err != nil {
		return e.failSession(session, fmt.Sprintf("flow no longer loadable: %v", err))
	}
	g, err := Compile(f)
	if err != nil {
		return e.failSession(session, fmt.Sprintf("flow no longer compiles: %v", err))
	}

	return e.step(ctx, g, f, session)
}

// step executes nodes synchronously from the session's current node until
// the session suspends, completes or errors
func (e *Engine) step(ctx context.Context, g *Graph, f *models.Flow, session *models.FlowSession) error {
	for steps := 0; ; steps++ {
		if steps >= MaxStepsPerEvent {
			return e.failSession(session, fmt.Sprintf("step cap of %d exceeded, graph may be cyclic", MaxStepsPerEvent))
		}

		node, ok := g.Node(session.CurrentNodeID)
		if !ok {
			return e.failSession(session, fmt.Sprintf("current node %q missing from flow", session.CurrentNodeID))
		}

		handle := ""
		switch node.Type {
		case models.NodeStart:
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeSendMessage:
			p := node.Params.(SendMessageParams)
			body := expandVariables(p.Text, session.Variables)
			if err := e.sender.SendFlowText(ctx, session.TenantID, session.ConversationID, body); err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				return e.failSession(session, fmt.Sprintf("sendMessage failed: %v", err))
			}
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeSendTemplate:
			p := node.Params.(SendTemplateParams)
			if err := e.sender.SendFlowTemplate(ctx, session.TenantID, session.ConversationID, p.TemplateName, p.Language); err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				return e.failSession(session, fmt.Sprintf("sendTemplate failed: %v", err))
			}
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeAskQuestion, models.NodeCSATSurvey:
			p := node.Params.(AskQuestionParams)
			question := expandVariables(p.Question, session.Variables)
			if err := e.sender.SendFlowText(ctx, session.TenantID, session.ConversationID, question); err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				return e.failSession(session, fmt.Sprintf("askQuestion send failed: %v", err))
			}
			e.appendHistory(session, node.ID, node.Type, "waiting for input")
			session.WaitingForInput = true
			session.WaitingVariable = p.Variable
			session.CurrentNodeID = node.ID
			return e.persist(session)

		case models.NodeCondition:
			p := node.Params.(ConditionParams)
			result := evalCondition(p, session.Variables)
			e.appendHistory(session, node.ID, node.Type, fmt.Sprintf("evaluated %t", result))
			if result {
				handle = "true"
			} else {
				handle = "false"
			}

		case models.NodeDelay:
			p := node.Params.(DelayParams)
			next, ok := g.Next(node.ID, "")
			if !ok {
				return e.completeSession(session, f, node)
			}
			e.appendHistory(session, node.ID, node.Type, fmt.Sprintf("deferred %ds", p.Seconds))
			session.CurrentNodeID = next.ID
			if err := e.persist(session); err != nil {
				return err
			}
			delay := time.Duration(p.Seconds) * time.Second
			if err := e.resumer.ScheduleResume(ctx, session.TenantID, session.ID, delay); err != nil {
				return e.failSession(session, fmt.Sprintf("failed to schedule delayed resume: %v", err))
			}
			return nil

		case models.NodeAPICall:
			p := node.Params.(APICallParams)
			result, err := e.doAPICall(ctx, p, session.Variables)
			if err != nil {
				// Log and continue with an empty result: a tenant endpoint
				// outage must not strand the session
				session.ErrorCount++
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				result = ""
			} else {
				e.appendHistory(session, node.ID, node.Type, "ok")
			}
			if p.Variable != "" {
				if session.Variables == nil {
					session.Variables = models.VariableMap{}
				}
				session.Variables[p.Variable] = result
			}

		case models.NodeAssignAgent:
			p := node.Params.(AssignAgentParams)
			agentID, err := uuid.Parse(p.AgentID)
			if err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: invalid agent id")
				return e.failSession(session, fmt.Sprintf("assignAgent: invalid agent id %q", p.AgentID))
			}
			if err := e.sender.AssignAgent(ctx, session.TenantID, session.ConversationID, agentID); err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				return e.failSession(session, fmt.Sprintf("assignAgent failed: %v", err))
			}
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeAddTag:
			p := node.Params.(AddTagParams)
			tagID, err := uuid.Parse(p.TagID)
			if err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: invalid tag id")
				return e.failSession(session, fmt.Sprintf("addTag: invalid tag id %q", p.TagID))
			}
			if err := e.sender.AddTag(ctx, session.TenantID, session.ContactID, tagID); err != nil {
				e.appendHistory(session, node.ID, node.Type, "error: "+err.Error())
				return e.failSession(session, fmt.Sprintf("addTag failed: %v", err))
			}
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeSetVariable:
			p := node.Params.(SetVariableParams)
			if session.Variables == nil {
				session.Variables = models.VariableMap{}
			}
			session.Variables[p.Name] = expandVariables(p.Value, session.Variables)
			e.appendHistory(session, node.ID, node.Type, "ok")

		case models.NodeEnd:
			return e.completeSession(session, f, node)

		default:
			return e.failSession(session, fmt.Sprintf("unknown node type %q", node.Type))
		}

		next, ok := g.Next(node.ID, handle)
		if !ok {
			// Dangling branch behaves like an implicit end
			return e.completeSession(session, f, node)
		}
		session.CurrentNodeID = next.ID
	}
}

func (e *Engine) completeSession(session *models.FlowSession, f *models.Flow, node *Node) error {
	e.appendHistory(session, node.ID, node.Type, "completed")
	session.Status = models.SessionCompleted
	session.WaitingForInput = false
	if err := e.persist(session); err != nil {
		return err
	}

	tenantID := f.TenantID
	flowID := f.ID
	background.SpawnBestEffort("flow-completed-count", func() error {
		return e.flowRepo.IncrementCompletedCount(tenantID, flowID)
	})
	return nil
}

// failSession flips the session to error state. The error condition is
// recorded in history and entity state; it is terminal, so no error is
// propagated for the queue to retry.
func (e *Engine) failSession(session *models.FlowSession, reason string) error {
	e.log.Warn().
		Str("session_id", session.ID.String()).
		Str("flow_id", session.FlowID.String()).
		Str("reason", reason).
		Msg("Flow session failed")
	e.appendHistory(session, session.CurrentNodeID, "", "session error: "+reason)
	session.Status = models.SessionError
	session.WaitingForInput = false
	return e.persist(session)
}

func (e *Engine) persist(session *models.FlowSession) error {
	if err := e.sessionRepo.Update(session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// appendHistory records a node execution. The history is the session's only
// audit trail and is appended on error paths too.
func (e *Engine) appendHistory(session *models.FlowSession, nodeID, nodeType, result string) {
	session.History = append(session.History, models.SessionHistoryEntry{
		NodeID:    nodeID,
		NodeType:  nodeType,
		Timestamp: time.Now(),
		Result:    result,
	})
}

func (e *Engine) doAPICall(ctx context.Context, p APICallParams, vars models.VariableMap) (string, error) {
	url := expandVariables(p.URL, vars)
	body := expandVariables(p.Body, vars)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.Method), url, reader)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, apiCallBodyLimit))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("api call returned status %d", resp.StatusCode)
	}
	return string(data), nil
}

// evalCondition evaluates variable <op> value against session variables
func evalCondition(p ConditionParams, vars models.VariableMap) bool {
	actual := ""
	if vars != nil {
		actual = vars[p.Variable]
	}
	switch p.Operator {
	case OpEquals:
		return actual == p.Value
	case OpNotEquals:
		return actual != p.Value
	case OpContains:
		return strings.Contains(actual, p.Value)
	default:
		return false
	}
}

// expandVariables substitutes {{name}} placeholders with session variables
func expandVariables(text string, vars models.VariableMap) string {
	if vars == nil || !strings.Contains(text, "{{") {
		return text
	}
	out := text
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
)

// FlowActions adapts conversation-level operations to the flow engine's
// effect interfaces
type FlowActions struct {
	tenantRepo       *repo.TenantRepository
	contactRepo      *repo.ContactRepository
	conversationRepo *repo.ConversationRepository
	conversations    *ConversationService
	q                *queue.Queue
}

// NewFlowActions creates the flow effect adapter
func NewFlowActions(
	tenantRepo *repo.TenantRepository,
	contactRepo *repo.ContactRepository,
	conversationRepo *repo.ConversationRepository,
	conversations *ConversationService,
	q *queue.Queue,
) *FlowActions {
	return &FlowActions{
		tenantRepo:       tenantRepo,
		contactRepo:      contactRepo,
		conversationRepo: conversationRepo,
		conversations:    conversations,
		q:                q,
	}
}

// SendFlowText sends free-form text on behalf of a flow node
func (a *FlowActions) SendFlowText(ctx context.Context, tenantID, conversationID uuid.UUID, body string) error {
	tenant, err := a.tenantRepo.GetByID(tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if _, err := a.conversations.SendText(ctx, tenant, conversationID, body); err != nil {
		return err
	}
	return nil
}

// SendFlowTemplate sends a template on behalf of a flow node
func (a *FlowActions) SendFlowTemplate(ctx context.Context, tenantID, conversationID uuid.UUID, templateName, language string) error {
	tenant, err := a.tenantRepo.GetByID(tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	conversation, err := a.conversationRepo.GetByID(tenantID, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	contact, err := a.contactRepo.GetByID(tenantID, conversation.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if _, err := a.conversations.SendTemplate(ctx, tenant, contact, templateName, language, nil); err != nil {
		return err
	}
	return nil
}

// AssignAgent assigns the conversation to a human agent
func (a *FlowActions) AssignAgent(ctx context.Context, tenantID, conversationID, agentID uuid.UUID) error {
	return a.conversationRepo.AssignAgent(tenantID, conversationID, agentID)
}

// AddTag attaches a tag to the contact, idempotently
func (a *FlowActions) AddTag(ctx context.Context, tenantID, contactID, tagID uuid.UUID) error {
	return a.contactRepo.AddTag(tenantID, contactID, tagID)
}

// ScheduleResume enqueues a delayed continuation for a suspended session.
// The item rides the inbound queue so the session resumes on the same
// worker pool that started it.
func (a *FlowActions) ScheduleResume(ctx context.Context, tenantID, sessionID uuid.UUID, delay time.Duration) error {
	payload, err := json.Marshal(models.FlowResumePayload{TenantID: tenantID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal resume payload: %w", err)
	}
	item := queue.Item{
		Type: models.ItemFlowResume,
		// One resume per suspension point, so the key folds in the clock
		Key:     fmt.Sprintf("flowresume:%s:%d", sessionID, time.Now().UnixNano()),
		Payload: payload,
	}
	return a.q.EnqueueDelayed(ctx, queue.QueueInboundMessage, item, delay)
}

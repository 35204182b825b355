package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowgate/internal/background"
	"flowgate/internal/flow"
	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/internal/webhook"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// InboundService orchestrates one inbound message through the automation
// chain: waiting flow session first, then flow triggers, then auto-reply
// rules. At most one automation responds per message.
type InboundService struct {
	tenantRepo    *repo.TenantRepository
	flowRepo      *repo.FlowRepository
	sessionRepo   *repo.FlowSessionRepository
	conversations *ConversationService
	autoReply     *AutoReplyService
	engine        *flow.Engine
	actions       *FlowActions
	forwarder     *webhook.Forwarder
}

// NewInboundService creates the inbound orchestrator
func NewInboundService(
	tenantRepo *repo.TenantRepository,
	flowRepo *repo.FlowRepository,
	sessionRepo *repo.FlowSessionRepository,
	conversations *ConversationService,
	autoReply *AutoReplyService,
	engine *flow.Engine,
	actions *FlowActions,
	forwarder *webhook.Forwarder,
) *InboundService {
	return &InboundService{
		tenantRepo:    tenantRepo,
		flowRepo:      flowRepo,
		sessionRepo:   sessionRepo,
		conversations: conversations,
		autoReply:     autoReply,
		engine:        engine,
		actions:       actions,
		forwarder:     forwarder,
	}
}

// HandleItem is the inbound queue handler. The queue carries both provider
// messages and deferred flow continuations.
func (s *InboundService) HandleItem(ctx context.Context, item queue.Item) error {
	switch item.Type {
	case models.ItemInboundMessage:
		var p models.InboundMessagePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("Undecodable inbound payload dropped")
			return nil
		}
		return s.Process(ctx, p)

	case models.ItemFlowResume:
		var p models.FlowResumePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("Undecodable resume payload dropped")
			return nil
		}
		return s.engine.ResumeAfterDelay(ctx, p.TenantID, p.SessionID)

	default:
		log.Warn().Str("type", item.Type).Str("item_id", item.ID).Msg("Unknown inbound item type dropped")
		return nil
	}
}

// Process registers one inbound message and runs the automation chain
func (s *InboundService) Process(ctx context.Context, p models.InboundMessagePayload) error {
	tenant, err := s.tenantRepo.GetByPhoneNumberID(p.PhoneNumberID)
	if err != nil {
		if isNotFound(err) {
			log.Warn().Str("phone_number_id", p.PhoneNumberID).Msg("Inbound message for unknown phone number id dropped")
			return nil
		}
		return fmt.Errorf("resolve tenant: %w", err)
	}
	if !tenant.IsActive {
		log.Debug().Str("tenant_id", tenant.ID.String()).Msg("Inbound message for inactive tenant dropped")
		return nil
	}

	message, conversation, created, err := s.conversations.RegisterInbound(ctx, tenant, p)
	if err != nil {
		return err
	}
	if message == nil {
		// Duplicate provider message id, already processed
		return nil
	}

	s.forward(ctx, tenant, "message.received", message)

	// A session waiting for input claims the message outright
	session, err := s.sessionRepo.GetActiveByConversation(tenant.ID, conversation.ID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("lookup active session: %w", err)
	}
	if session != nil {
		if session.WaitingForInput {
			return s.engine.ResumeWithReply(ctx, session, p.Body)
		}
		// Active but mid-delay: the session owns the conversation, other
		// automation stays quiet
		return nil
	}

	if started, err := s.tryStartFlow(ctx, tenant, conversation, message, p.Body, created); err != nil {
		return err
	} else if started {
		return nil
	}

	return s.tryAutoReply(ctx, tenant, conversation, p.Body, created)
}

func (s *InboundService) tryStartFlow(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation, message *models.Message, text string, firstMessage bool) (bool, error) {
	flows, err := s.flowRepo.ListActive(tenant.ID)
	if err != nil {
		return false, fmt.Errorf("list active flows: %w", err)
	}
	matched := flow.MatchTrigger(flows, text, firstMessage)
	if matched == nil {
		return false, nil
	}

	session, err := s.engine.StartSession(ctx, matched, conversation.ID, message.ContactID)
	if err != nil {
		return false, err
	}
	// A nil session means the flow failed to compile and the chain falls
	// through to auto-reply
	return session != nil, nil
}

func (s *InboundService) tryAutoReply(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation, text string, firstMessage bool) error {
	rule, err := s.autoReply.Match(ctx, tenant, conversation.ID, text, firstMessage)
	if err != nil {
		return fmt.Errorf("match auto-reply: %w", err)
	}
	if rule == nil {
		return nil
	}
	return s.executeRule(ctx, tenant, conversation, rule)
}

func (s *InboundService) executeRule(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation, rule *models.AutoReplyRule) error {
	switch rule.ActionType {
	case models.ActionTextReply:
		_, err := s.conversations.SendText(ctx, tenant, conversation.ID, rule.ActionValue)
		return err

	case models.ActionTemplateReply:
		return s.actions.SendFlowTemplate(ctx, tenant.ID, conversation.ID, rule.ActionValue, "en")

	case models.ActionAssignAgent:
		agentID, err := uuid.Parse(rule.ActionValue)
		if err != nil {
			log.Warn().Str("rule_id", rule.ID.String()).Msg("Auto-reply rule has invalid agent id, skipping")
			return nil
		}
		return s.actions.AssignAgent(ctx, tenant.ID, conversation.ID, agentID)

	case models.ActionAddTag:
		tagID, err := uuid.Parse(rule.ActionValue)
		if err != nil {
			log.Warn().Str("rule_id", rule.ID.String()).Msg("Auto-reply rule has invalid tag id, skipping")
			return nil
		}
		return s.actions.AddTag(ctx, tenant.ID, conversation.ContactID, tagID)

	default:
		log.Warn().Str("rule_id", rule.ID.String()).Str("action", rule.ActionType).Msg("Unknown auto-reply action skipped")
		return nil
	}
}

func (s *InboundService) forward(ctx context.Context, tenant *models.Tenant, event string, data interface{}) {
	t := tenant
	background.SpawnBestEffort("forward-"+event, func() error {
		return s.forwarder.Forward(context.Background(), t, event, data)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

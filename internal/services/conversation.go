package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowgate/internal/provider"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrWindowClosed rejects free-form outbound text while the 24h
// conversation window is closed. Template sends are exempt.
var ErrWindowClosed = errors.New("conversation window closed: free-form text requires an open 24h window")

// ProviderSender is the outbound side of the provider adapter
type ProviderSender interface {
	SendText(ctx context.Context, phoneNumberID, to, body string) (string, error)
	SendTemplate(ctx context.Context, phoneNumberID, to, templateName, language string, components []provider.TemplateComponent) (string, error)
}

// ConversationService owns conversation and message state: lazy
// conversation creation, the 24h window model, inbound dedup and the
// outbound send paths.
type ConversationService struct {
	contactRepo      *repo.ContactRepository
	conversationRepo *repo.ConversationRepository
	messageRepo      *repo.MessageRepository
	sender           ProviderSender
}

// NewConversationService creates a new conversation service
func NewConversationService(
	contactRepo *repo.ContactRepository,
	conversationRepo *repo.ConversationRepository,
	messageRepo *repo.MessageRepository,
	sender ProviderSender,
) *ConversationService {
	return &ConversationService{
		contactRepo:      contactRepo,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		sender:           sender,
	}
}

// NormalizePhone converts a provider-formatted number into E.164. Provider
// payloads carry bare digit strings without the leading plus.
func NormalizePhone(raw string) string {
	digits := strings.Builder{}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	candidate := "+" + digits.String()

	parsed, err := phonenumbers.Parse(candidate, "")
	if err != nil {
		log.Debug().Str("phone", raw).Err(err).Msg("Phone did not parse, keeping digit form")
		return candidate
	}
	return phonenumbers.Format(parsed, phonenumbers.E164)
}

// RegisterInbound stores one inbound message and applies the conversation
// side effects. Duplicate provider message ids are absorbed silently and
// return a nil message. The returned bool reports whether the conversation
// was created by this message (the "first message" signal for automation).
func (s *ConversationService) RegisterInbound(ctx context.Context, tenant *models.Tenant, p models.InboundMessagePayload) (*models.Message, *models.Conversation, bool, error) {
	// Entity-level dedup: provider message id is unique per tenant
	if _, err := s.messageRepo.GetByProviderID(tenant.ID, p.ProviderMessageID); err == nil {
		log.Debug().
			Str("provider_message_id", p.ProviderMessageID).
			Str("tenant_id", tenant.ID.String()).
			Msg("Duplicate inbound message absorbed")
		return nil, nil, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, false, fmt.Errorf("dedup lookup: %w", err)
	}

	phone := NormalizePhone(p.From)
	contact, err := s.findOrCreateContact(tenant.ID, phone)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find/create contact: %w", err)
	}

	conversation, created, err := s.findOrCreateConversation(tenant.ID, contact)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find/create conversation: %w", err)
	}

	receivedAt := time.Unix(p.Timestamp, 0)
	if p.Timestamp == 0 {
		receivedAt = time.Now()
	}

	providerID := p.ProviderMessageID
	message := &models.Message{
		BaseTenantModel:   models.BaseTenantModel{TenantID: tenant.ID},
		ConversationID:    conversation.ID,
		ContactID:         contact.ID,
		ProviderMessageID: &providerID,
		Direction:         models.DirectionInbound,
		Type:              p.Type,
		Body:              p.Body,
		Status:            models.MessageStatusDelivered,
		DeliveredAt:       &receivedAt,
	}

	if err := s.messageRepo.Create(message); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a concurrent-duplicate race: same webhook delivered twice
			log.Debug().
				Str("provider_message_id", p.ProviderMessageID).
				Msg("Duplicate inbound message absorbed at uniqueness layer")
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("create message: %w", err)
	}

	if err := s.conversationRepo.RegisterInbound(conversation, p.Body, receivedAt); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversation.ID.String()).Msg("Failed to update conversation summary")
	}

	return message, conversation, created, nil
}

// SendText sends free-form text into a conversation. Rejected with
// ErrWindowClosed while the 24h window is closed.
func (s *ConversationService) SendText(ctx context.Context, tenant *models.Tenant, conversationID uuid.UUID, body string) (*models.Message, error) {
	conversation, err := s.conversationRepo.GetByID(tenant.ID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conversation.WindowOpen(time.Now()) {
		return nil, ErrWindowClosed
	}

	message := &models.Message{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenant.ID},
		ConversationID:  conversation.ID,
		ContactID:       conversation.ContactID,
		Direction:       models.DirectionOutbound,
		Type:            "text",
		Body:            body,
		Status:          models.MessageStatusPending,
	}
	if err := s.messageRepo.Create(message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	return s.dispatch(ctx, tenant, conversation, message)
}

// QueueText persists a pending text message without dispatching it. The
// caller hands it to the outbound queue; an optional scheduledAt defers it
// to the scheduler sweep instead. The window check runs again at dispatch
// time, so a window closing in between fails the message rather than
// sending it late.
func (s *ConversationService) QueueText(ctx context.Context, tenant *models.Tenant, conversationID uuid.UUID, body string, scheduledAt *time.Time) (*models.Message, error) {
	conversation, err := s.conversationRepo.GetByID(tenant.ID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if scheduledAt == nil && !conversation.WindowOpen(time.Now()) {
		return nil, ErrWindowClosed
	}

	message := &models.Message{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenant.ID},
		ConversationID:  conversation.ID,
		ContactID:       conversation.ContactID,
		Direction:       models.DirectionOutbound,
		Type:            "text",
		Body:            body,
		Status:          models.MessageStatusPending,
		ScheduledAt:     scheduledAt,
	}
	if err := s.messageRepo.Create(message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return message, nil
}

// SendTemplate sends a template message to a contact, creating the
// conversation lazily when needed. No window check: the provider permits
// templates unconditionally.
func (s *ConversationService) SendTemplate(ctx context.Context, tenant *models.Tenant, contact *models.Contact, templateName, language string, campaignID *uuid.UUID) (*models.Message, error) {
	conversation, _, err := s.findOrCreateConversation(tenant.ID, contact)
	if err != nil {
		return nil, fmt.Errorf("find/create conversation: %w", err)
	}

	message := &models.Message{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenant.ID},
		ConversationID:  conversation.ID,
		ContactID:       contact.ID,
		CampaignID:      campaignID,
		Direction:       models.DirectionOutbound,
		Type:            "template",
		Body:            templateName,
		Status:          models.MessageStatusPending,
	}
	if err := s.messageRepo.Create(message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	providerID, err := s.sender.SendTemplate(ctx, tenant.PhoneNumberID, conversation.CustomerPhone, templateName, language, nil)
	if err != nil {
		s.markFailed(message, err)
		return message, err
	}

	s.markSent(conversation, message, providerID)
	return message, nil
}

// DispatchPending performs the provider send for an already-persisted
// pending message. Used by the outbound queue worker. A closed window on a
// text message is a permanent business error: the message is marked failed
// and no error is returned, so the queue does not retry it.
func (s *ConversationService) DispatchPending(ctx context.Context, tenant *models.Tenant, messageID uuid.UUID) error {
	message, err := s.messageRepo.GetByID(tenant.ID, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if message.Status != models.MessageStatusPending {
		log.Debug().Str("message_id", messageID.String()).Str("status", message.Status).Msg("Skipping non-pending message")
		return nil
	}

	conversation, err := s.conversationRepo.GetByID(tenant.ID, message.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	if message.Type == "text" && !conversation.WindowOpen(time.Now()) {
		s.markFailed(message, ErrWindowClosed)
		return nil
	}

	_, err = s.dispatch(ctx, tenant, conversation, message)
	return err
}

// dispatch performs the provider call and records the outcome
func (s *ConversationService) dispatch(ctx context.Context, tenant *models.Tenant, conversation *models.Conversation, message *models.Message) (*models.Message, error) {
	providerID, err := s.sender.SendText(ctx, tenant.PhoneNumberID, conversation.CustomerPhone, message.Body)
	if err != nil {
		s.markFailed(message, err)
		return message, err
	}

	s.markSent(conversation, message, providerID)
	return message, nil
}

func (s *ConversationService) markSent(conversation *models.Conversation, message *models.Message, providerID string) {
	now := time.Now()
	message.ProviderMessageID = &providerID
	message.Status = models.MessageStatusSent
	message.SentAt = &now
	if err := s.messageRepo.Update(message); err != nil {
		log.Warn().Err(err).Str("message_id", message.ID.String()).Msg("Failed to persist sent status")
	}
	if err := s.conversationRepo.RegisterOutbound(conversation, message.Body, now); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversation.ID.String()).Msg("Failed to update conversation summary")
	}
}

func (s *ConversationService) markFailed(message *models.Message, sendErr error) {
	now := time.Now()
	message.Status = models.MessageStatusFailed
	message.FailedAt = &now
	message.ErrorMessage = sendErr.Error()
	var provErr *provider.Error
	if errors.As(sendErr, &provErr) {
		message.ErrorCode = provErr.Code
	}
	if err := s.messageRepo.Update(message); err != nil {
		log.Warn().Err(err).Str("message_id", message.ID.String()).Msg("Failed to persist failed status")
	}
}

func (s *ConversationService) findOrCreateContact(tenantID uuid.UUID, phone string) (*models.Contact, error) {
	contact, err := s.contactRepo.GetByPhone(tenantID, phone)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	contact = &models.Contact{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
		Phone:           phone,
		OptedIn:         true,
	}
	if err := s.contactRepo.Create(contact); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.contactRepo.GetByPhone(tenantID, phone)
		}
		return nil, err
	}
	return contact, nil
}

// findOrCreateConversation returns the one conversation for the contact,
// creating it lazily. One conversation per (tenant, contact) is enforced by
// a uniqueness constraint.
func (s *ConversationService) findOrCreateConversation(tenantID uuid.UUID, contact *models.Contact) (*models.Conversation, bool, error) {
	conversation, err := s.conversationRepo.GetByContact(tenantID, contact.ID)
	if err == nil {
		return conversation, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	conversation = &models.Conversation{
		BaseTenantModel: models.BaseTenantModel{TenantID: tenantID},
		ContactID:       contact.ID,
		CustomerPhone:   contact.Phone,
		Status:          models.ConversationOpen,
	}
	if err := s.conversationRepo.Create(conversation); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, getErr := s.conversationRepo.GetByContact(tenantID, contact.ID)
			return existing, false, getErr
		}
		return nil, false, err
	}
	return conversation, true, nil
}

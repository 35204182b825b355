package services

import (
	"context"
	"encoding/json"
	"fmt"

	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/rs/zerolog/log"
)

// OutboundService drains the outbound queue: each item is one persisted
// pending message to hand to the provider
type OutboundService struct {
	tenantRepo    *repo.TenantRepository
	conversations *ConversationService
}

// NewOutboundService creates the outbound dispatcher
func NewOutboundService(tenantRepo *repo.TenantRepository, conversations *ConversationService) *OutboundService {
	return &OutboundService{tenantRepo: tenantRepo, conversations: conversations}
}

// HandleItem is the outbound queue handler
func (s *OutboundService) HandleItem(ctx context.Context, item queue.Item) error {
	var p models.OutboundSendPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Undecodable outbound payload dropped")
		return nil
	}

	tenant, err := s.tenantRepo.GetByID(p.TenantID)
	if err != nil {
		if isNotFound(err) {
			log.Warn().Str("tenant_id", p.TenantID.String()).Msg("Outbound send for unknown tenant dropped")
			return nil
		}
		return fmt.Errorf("resolve tenant: %w", err)
	}

	return s.conversations.DispatchPending(ctx, tenant, p.MessageID)
}

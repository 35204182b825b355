package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowgate/internal/background"
	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/internal/webhook"
	"flowgate/pkg/models"

	"github.com/rs/zerolog/log"
)

// StatusService applies provider delivery callbacks to stored messages.
// Status only moves forward: a late "sent" after "delivered" is ignored.
type StatusService struct {
	tenantRepo   *repo.TenantRepository
	messageRepo  *repo.MessageRepository
	campaignRepo *repo.CampaignRepository
	forwarder    *webhook.Forwarder
}

// NewStatusService creates the status update service
func NewStatusService(
	tenantRepo *repo.TenantRepository,
	messageRepo *repo.MessageRepository,
	campaignRepo *repo.CampaignRepository,
	forwarder *webhook.Forwarder,
) *StatusService {
	return &StatusService{
		tenantRepo:   tenantRepo,
		messageRepo:  messageRepo,
		campaignRepo: campaignRepo,
		forwarder:    forwarder,
	}
}

// HandleItem is the status queue handler
func (s *StatusService) HandleItem(ctx context.Context, item queue.Item) error {
	var p models.StatusUpdatePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Undecodable status payload dropped")
		return nil
	}
	return s.Process(ctx, p)
}

// Process applies one status update
func (s *StatusService) Process(ctx context.Context, p models.StatusUpdatePayload) error {
	tenant, err := s.tenantRepo.GetByPhoneNumberID(p.PhoneNumberID)
	if err != nil {
		if isNotFound(err) {
			log.Warn().Str("phone_number_id", p.PhoneNumberID).Msg("Status update for unknown phone number id dropped")
			return nil
		}
		return fmt.Errorf("resolve tenant: %w", err)
	}

	message, err := s.messageRepo.GetByProviderID(tenant.ID, p.ProviderMessageID)
	if err != nil {
		if isNotFound(err) {
			// Callback for a message this gateway never sent
			log.Debug().
				Str("provider_message_id", p.ProviderMessageID).
				Str("tenant_id", tenant.ID.String()).
				Msg("Status update for unknown message dropped")
			return nil
		}
		return fmt.Errorf("lookup message: %w", err)
	}

	newRank, ok := models.MessageStatusRank[p.Status]
	if !ok {
		log.Warn().Str("status", p.Status).Msg("Unknown delivery status dropped")
		return nil
	}
	if newRank <= models.MessageStatusRank[message.Status] {
		log.Debug().
			Str("message_id", message.ID.String()).
			Str("from", message.Status).
			Str("to", p.Status).
			Msg("Out-of-order status update ignored")
		return nil
	}

	at := time.Unix(p.Timestamp, 0)
	if p.Timestamp == 0 {
		at = time.Now()
	}

	message.Status = p.Status
	switch p.Status {
	case models.MessageStatusSent:
		message.SentAt = &at
	case models.MessageStatusDelivered:
		message.DeliveredAt = &at
	case models.MessageStatusRead:
		message.ReadAt = &at
	case models.MessageStatusFailed:
		message.FailedAt = &at
		message.ErrorCode = p.ErrorCode
		message.ErrorMessage = p.ErrorMessage
	}

	if err := s.messageRepo.Update(message); err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	s.bumpCampaignCounters(tenant, message, p.Status)

	t := tenant
	m := message
	background.SpawnBestEffort("forward-message.status", func() error {
		return s.forwarder.Forward(context.Background(), t, "message.status", m)
	})
	return nil
}

// bumpCampaignCounters keeps campaign delivered/read counts in step with
// message-level status. Best-effort: the message row is the source of truth.
func (s *StatusService) bumpCampaignCounters(tenant *models.Tenant, message *models.Message, status string) {
	if message.CampaignID == nil {
		return
	}
	tenantID := tenant.ID
	campaignID := *message.CampaignID
	switch status {
	case models.MessageStatusDelivered:
		background.SpawnBestEffort("campaign-delivered-count", func() error {
			return s.campaignRepo.IncrementDeliveredCount(tenantID, campaignID)
		})
	case models.MessageStatusRead:
		background.SpawnBestEffort("campaign-read-count", func() error {
			return s.campaignRepo.IncrementReadCount(tenantID, campaignID)
		})
	}
}

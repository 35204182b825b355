package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// statsFlushEvery bounds how stale persisted campaign counters can get
// during a long dispatch
const statsFlushEvery = 10

// CampaignService launches, paces and settles credit-gated bulk sends
type CampaignService struct {
	tenantRepo    *repo.TenantRepository
	campaignRepo  *repo.CampaignRepository
	contactRepo   *repo.ContactRepository
	conversations *ConversationService
	credits       *CreditLedger
	q             *queue.Queue
	pace          time.Duration
}

// NewCampaignService creates the campaign dispatcher. pace is the minimum
// spacing between consecutive sends; zero disables pacing (tests).
func NewCampaignService(
	tenantRepo *repo.TenantRepository,
	campaignRepo *repo.CampaignRepository,
	contactRepo *repo.ContactRepository,
	conversations *ConversationService,
	credits *CreditLedger,
	q *queue.Queue,
	pace time.Duration,
) *CampaignService {
	return &CampaignService{
		tenantRepo:    tenantRepo,
		campaignRepo:  campaignRepo,
		contactRepo:   contactRepo,
		conversations: conversations,
		credits:       credits,
		q:             q,
		pace:          pace,
	}
}

// Launch resolves the audience, snapshots totals and hands the campaign to
// the dispatch queue. Only draft and scheduled campaigns can launch.
func (s *CampaignService) Launch(ctx context.Context, tenantID, campaignID uuid.UUID) error {
	campaign, err := s.campaignRepo.GetByID(tenantID, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignScheduled {
		return fmt.Errorf("campaign %s cannot launch from status %q", campaignID, campaign.Status)
	}

	contacts, err := s.resolveAudience(campaign)
	if err != nil {
		return fmt.Errorf("resolve audience: %w", err)
	}
	if len(contacts) == 0 {
		campaign.Status = models.CampaignFailed
		campaign.FailureReason = "audience resolved to zero sendable contacts"
		return s.campaignRepo.Update(campaign)
	}

	now := time.Now()
	campaign.Status = models.CampaignProcessing
	campaign.StartedAt = &now
	campaign.TotalCount = len(contacts)
	campaign.VariantStats = initVariantStats(campaign.Variants)
	if err := s.campaignRepo.Update(campaign); err != nil {
		return fmt.Errorf("mark campaign processing: %w", err)
	}

	payload, err := json.Marshal(models.CampaignDispatchPayload{TenantID: tenantID, CampaignID: campaignID})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}
	item := queue.Item{
		Type:    models.ItemCampaignDispatch,
		Key:     "campaign:" + campaignID.String(),
		Payload: payload,
	}
	if err := s.q.Enqueue(ctx, queue.QueueCampaign, item); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}
	return nil
}

// Cancel stops a campaign. The dispatch loop observes the status flip
// between sends; messages already handed to the provider stand.
func (s *CampaignService) Cancel(ctx context.Context, tenantID, campaignID uuid.UUID) error {
	campaign, err := s.campaignRepo.GetByID(tenantID, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	switch campaign.Status {
	case models.CampaignScheduled, models.CampaignProcessing:
		return s.campaignRepo.UpdateStatus(tenantID, campaignID, models.CampaignCancelled)
	default:
		return fmt.Errorf("campaign %s cannot cancel from status %q", campaignID, campaign.Status)
	}
}

// HandleItem is the campaign queue handler
func (s *CampaignService) HandleItem(ctx context.Context, item queue.Item) error {
	var p models.CampaignDispatchPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Undecodable campaign payload dropped")
		return nil
	}
	return s.Dispatch(ctx, p.TenantID, p.CampaignID)
}

// Dispatch walks the audience, assigns variants, sends templates and
// deducts credits per successful send. Business failures settle the
// campaign entity and return nil; the queue never retries a half-sent
// campaign.
func (s *CampaignService) Dispatch(ctx context.Context, tenantID, campaignID uuid.UUID) error {
	tenant, err := s.tenantRepo.GetByID(tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	campaign, err := s.campaignRepo.GetByID(tenantID, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status != models.CampaignProcessing {
		log.Debug().Str("campaign_id", campaignID.String()).Str("status", campaign.Status).Msg("Dispatch skipped, campaign not processing")
		return nil
	}

	ok, err := s.credits.CheckCredits(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("check credits: %w", err)
	}
	if !ok {
		return s.settleFailed(campaign, "insufficient credits to start dispatch")
	}

	contacts, err := s.resolveAudience(campaign)
	if err != nil {
		return fmt.Errorf("resolve audience: %w", err)
	}
	total := len(contacts)
	if total == 0 {
		return s.settleFailed(campaign, "audience resolved to zero sendable contacts")
	}

	sinceFlush := 0
	for i := range contacts {
		if i > 0 && s.pace > 0 {
			select {
			case <-time.After(s.pace):
			case <-ctx.Done():
				return s.flush(campaign)
			}
		}

		// Cancellation is observed between sends
		status, err := s.campaignRepo.GetStatus(tenantID, campaignID)
		if err == nil && status == models.CampaignCancelled {
			log.Info().Str("campaign_id", campaignID.String()).Int("sent", campaign.SentCount).Msg("Campaign cancelled mid-dispatch")
			campaign.Status = models.CampaignCancelled
			return s.flush(campaign)
		}

		// Credits gate every send, not just the launch
		ok, err := s.credits.CheckCredits(ctx, tenantID)
		if err != nil {
			log.Warn().Err(err).Str("campaign_id", campaignID.String()).Msg("Credit check failed mid-dispatch")
		} else if !ok {
			return s.settleFailed(campaign, fmt.Sprintf("credits exhausted after %d sends", campaign.SentCount))
		}

		variantIdx := variantIndexFor(i, total, campaign.Variants)
		templateName, language := campaign.TemplateName, campaign.TemplateLanguage
		if variantIdx >= 0 {
			templateName = campaign.Variants[variantIdx].TemplateName
			language = campaign.Variants[variantIdx].TemplateLanguage
		}
		if variantIdx >= 0 && variantIdx < len(campaign.VariantStats) {
			campaign.VariantStats[variantIdx].Total++
		}

		contact := contacts[i]
		if _, err := s.conversations.SendTemplate(ctx, tenant, &contact, templateName, language, &campaignID); err != nil {
			campaign.FailedCount++
			if variantIdx >= 0 && variantIdx < len(campaign.VariantStats) {
				campaign.VariantStats[variantIdx].Failed++
			}
			log.Warn().Err(err).
				Str("campaign_id", campaignID.String()).
				Str("contact_id", contact.ID.String()).
				Msg("Campaign send failed, continuing")
			continue
		}

		campaign.SentCount++
		if variantIdx >= 0 && variantIdx < len(campaign.VariantStats) {
			campaign.VariantStats[variantIdx].Sent++
		}

		if _, err := s.credits.DeductCredit(ctx, tenantID, 0); err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				return s.settleFailed(campaign, fmt.Sprintf("credits exhausted after %d sends", campaign.SentCount))
			}
			return s.settleFailed(campaign, fmt.Sprintf("credit deduction failed after %d sends: %v", campaign.SentCount, err))
		}

		sinceFlush++
		if sinceFlush >= statsFlushEvery {
			sinceFlush = 0
			if err := s.flush(campaign); err != nil {
				log.Warn().Err(err).Str("campaign_id", campaignID.String()).Msg("Failed to flush campaign stats")
			}
		}
	}

	now := time.Now()
	campaign.Status = models.CampaignCompleted
	campaign.CompletedAt = &now
	if err := s.campaignRepo.Update(campaign); err != nil {
		return fmt.Errorf("settle campaign: %w", err)
	}
	log.Info().
		Str("campaign_id", campaignID.String()).
		Int("total", campaign.TotalCount).
		Int("sent", campaign.SentCount).
		Int("failed", campaign.FailedCount).
		Msg("Campaign completed")
	return nil
}

func (s *CampaignService) settleFailed(campaign *models.Campaign, reason string) error {
	now := time.Now()
	campaign.Status = models.CampaignFailed
	campaign.FailureReason = reason
	campaign.CompletedAt = &now
	if err := s.campaignRepo.Update(campaign); err != nil {
		return fmt.Errorf("settle failed campaign: %w", err)
	}
	log.Warn().
		Str("campaign_id", campaign.ID.String()).
		Str("reason", reason).
		Int("sent", campaign.SentCount).
		Msg("Campaign failed")
	return nil
}

func (s *CampaignService) flush(campaign *models.Campaign) error {
	if campaign.Status == models.CampaignCancelled {
		if err := s.campaignRepo.UpdateStatus(campaign.TenantID, campaign.ID, models.CampaignCancelled); err != nil {
			return err
		}
	}
	return s.campaignRepo.FlushStats(campaign)
}

func (s *CampaignService) resolveAudience(campaign *models.Campaign) ([]models.Contact, error) {
	switch campaign.AudienceType {
	case models.AudienceAll:
		return s.contactRepo.ListSendable(campaign.TenantID)
	case models.AudienceTags:
		ids, err := parseUUIDs(campaign.AudienceValue)
		if err != nil {
			return nil, err
		}
		return s.contactRepo.ListSendableByTags(campaign.TenantID, ids)
	case models.AudienceGroups:
		ids, err := parseUUIDs(campaign.AudienceValue)
		if err != nil {
			return nil, err
		}
		return s.contactRepo.ListSendableByGroups(campaign.TenantID, ids)
	case models.AudienceContacts:
		ids, err := parseUUIDs(campaign.AudienceValue)
		if err != nil {
			return nil, err
		}
		return s.contactRepo.ListSendableByIDs(campaign.TenantID, ids)
	default:
		return nil, fmt.Errorf("unknown audience type %q", campaign.AudienceType)
	}
}

func parseUUIDs(values models.StringList) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid audience id %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func initVariantStats(variants models.CampaignVariantList) models.VariantStatsList {
	stats := make(models.VariantStatsList, len(variants))
	for i, v := range variants {
		stats[i] = models.VariantStats{Name: v.Name}
	}
	return stats
}

// variantIndexFor assigns the contact at position i of a total-sized
// audience to a variant by cumulative percent, so a [60,40] split over ten
// contacts sends six and four. Returns -1 when the campaign has no
// variants and its own template applies.
func variantIndexFor(i, total int, variants models.CampaignVariantList) int {
	if len(variants) == 0 || total == 0 {
		return -1
	}
	position := i * 100 / total
	cumulative := 0
	for idx, v := range variants {
		cumulative += v.Percent
		if position < cumulative {
			return idx
		}
	}
	// Positions past the declared percentages fold into the last variant
	return len(variants) - 1
}

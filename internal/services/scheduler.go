package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// scheduledSweepBatch bounds how many due scheduled messages one sweep picks up
const scheduledSweepBatch = 500

// Scheduler runs the periodic sweeps: conversation window expiry, due
// scheduled campaigns and due scheduled messages
type Scheduler struct {
	conversationRepo *repo.ConversationRepository
	messageRepo      *repo.MessageRepository
	campaignRepo     *repo.CampaignRepository
	campaigns        *CampaignService
	q                *queue.Queue
	cron             *cron.Cron
}

// NewScheduler creates the sweep scheduler
func NewScheduler(
	conversationRepo *repo.ConversationRepository,
	messageRepo *repo.MessageRepository,
	campaignRepo *repo.CampaignRepository,
	campaigns *CampaignService,
	q *queue.Queue,
) *Scheduler {
	return &Scheduler{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		campaignRepo:     campaignRepo,
		campaigns:        campaigns,
		q:                q,
		cron:             cron.New(),
	}
}

// Start registers the sweeps and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.SweepExpiredWindows() }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.SweepDueCampaigns(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.SweepDueMessages(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running sweeps
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SweepExpiredWindows flips open conversations whose 24h window has lapsed
func (s *Scheduler) SweepExpiredWindows() {
	n, err := s.conversationRepo.ExpireWindows(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Window expiry sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int64("expired", n).Msg("Expired conversation windows")
	}
}

// SweepDueCampaigns launches scheduled campaigns whose start time has passed
func (s *Scheduler) SweepDueCampaigns(ctx context.Context) {
	due, err := s.campaignRepo.ListDue(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Due campaign sweep failed")
		return
	}
	for _, campaign := range due {
		if err := s.campaigns.Launch(ctx, campaign.TenantID, campaign.ID); err != nil {
			log.Error().Err(err).Str("campaign_id", campaign.ID.String()).Msg("Failed to launch scheduled campaign")
		}
	}
}

// SweepDueMessages moves due scheduled messages onto the outbound queue
func (s *Scheduler) SweepDueMessages(ctx context.Context) {
	due, err := s.messageRepo.ListDueScheduled(time.Now(), scheduledSweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("Due message sweep failed")
		return
	}
	for i := range due {
		message := &due[i]
		payload, err := json.Marshal(models.OutboundSendPayload{TenantID: message.TenantID, MessageID: message.ID})
		if err != nil {
			log.Error().Err(err).Str("message_id", message.ID.String()).Msg("Failed to marshal scheduled send")
			continue
		}
		item := queue.Item{
			Type:    models.ItemOutboundSend,
			Key:     "sched:" + message.ID.String(),
			Payload: payload,
		}
		if err := s.q.Enqueue(ctx, queue.QueueOutboundMessage, item); err != nil && !errors.Is(err, queue.ErrDuplicate) {
			log.Error().Err(err).Str("message_id", message.ID.String()).Msg("Failed to enqueue scheduled send")
			continue
		}
		// Cleared so the next sweep does not pick it up again
		message.ScheduledAt = nil
		if err := s.messageRepo.Update(message); err != nil {
			log.Warn().Err(err).Str("message_id", message.ID.String()).Msg("Failed to clear schedule marker")
		}
	}
}

package app

import (
	"context"
	"os"
	"time"

	"flowgate/internal/flow"
	apihttp "flowgate/internal/http"
	"flowgate/internal/http/handlers"
	"flowgate/internal/provider"
	"flowgate/internal/queue"
	"flowgate/internal/repo"
	"flowgate/internal/services"
	"flowgate/internal/webhook"
	"flowgate/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Container wires every service the gateway runs. All dependencies are
// passed explicitly; nothing reaches for globals.
type Container struct {
	DB    *gorm.DB
	Redis *redis.Client
	Queue *queue.Queue

	TenantRepo       *repo.TenantRepository
	ContactRepo      *repo.ContactRepository
	ConversationRepo *repo.ConversationRepository
	MessageRepo      *repo.MessageRepository
	RuleRepo         *repo.AutoReplyRuleRepository
	FlowRepo         *repo.FlowRepository
	SessionRepo      *repo.FlowSessionRepository
	CampaignRepo     *repo.CampaignRepository
	DeadLetterRepo   *repo.DeadLetterRepository

	Provider      *provider.Client
	Conversations *services.ConversationService
	AutoReply     *services.AutoReplyService
	FlowActions   *services.FlowActions
	Engine        *flow.Engine
	Inbound       *services.InboundService
	Status        *services.StatusService
	Outbound      *services.OutboundService
	Credits       *services.CreditLedger
	Campaigns     *services.CampaignService
	Scheduler     *services.Scheduler
	Forwarder     *webhook.Forwarder

	Router  *echo.Echo
	workers []*queue.Worker
}

// NewContainer builds the full dependency graph
func NewContainer(db *gorm.DB, rdb *redis.Client, logger zerolog.Logger) *Container {
	c := &Container{
		DB:    db,
		Redis: rdb,
		Queue: queue.New(rdb),
	}

	c.TenantRepo = repo.NewTenantRepository(db)
	c.ContactRepo = repo.NewContactRepository(db)
	c.ConversationRepo = repo.NewConversationRepository(db)
	c.MessageRepo = repo.NewMessageRepository(db)
	c.RuleRepo = repo.NewAutoReplyRuleRepository(db)
	c.FlowRepo = repo.NewFlowRepository(db)
	c.SessionRepo = repo.NewFlowSessionRepository(db)
	c.CampaignRepo = repo.NewCampaignRepository(db)
	c.DeadLetterRepo = repo.NewDeadLetterRepository(db)

	c.Provider = provider.NewClient(
		os.Getenv("PROVIDER_BASE_URL"),
		os.Getenv("PROVIDER_TOKEN"),
	)
	c.Forwarder = webhook.NewForwarder()
	c.Credits = services.NewCreditLedger(db)
	c.Conversations = services.NewConversationService(c.ContactRepo, c.ConversationRepo, c.MessageRepo, c.Provider)
	c.AutoReply = services.NewAutoReplyService(c.RuleRepo, rdb)
	c.FlowActions = services.NewFlowActions(c.TenantRepo, c.ContactRepo, c.ConversationRepo, c.Conversations, c.Queue)
	c.Engine = flow.NewEngine(c.FlowRepo, c.SessionRepo, c.FlowActions, c.FlowActions, logger)
	c.Inbound = services.NewInboundService(
		c.TenantRepo, c.FlowRepo, c.SessionRepo,
		c.Conversations, c.AutoReply, c.Engine, c.FlowActions, c.Forwarder,
	)
	c.Status = services.NewStatusService(c.TenantRepo, c.MessageRepo, c.CampaignRepo, c.Forwarder)
	c.Outbound = services.NewOutboundService(c.TenantRepo, c.Conversations)
	c.Campaigns = services.NewCampaignService(
		c.TenantRepo, c.CampaignRepo, c.ContactRepo,
		c.Conversations, c.Credits, c.Queue,
		200*time.Millisecond,
	)
	c.Scheduler = services.NewScheduler(c.ConversationRepo, c.MessageRepo, c.CampaignRepo, c.Campaigns, c.Queue)

	intake := webhook.NewIntake(
		os.Getenv("WEBHOOK_APP_SECRET"),
		os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		c.Queue,
	)
	c.Router = apihttp.NewRouter(apihttp.Handlers{
		Health:   handlers.NewHealthHandler(c.Queue),
		Campaign: handlers.NewCampaignHandler(c.CampaignRepo, c.Campaigns),
		Message:  handlers.NewMessageHandler(c.TenantRepo, c.MessageRepo, c.Conversations, c.Queue),
		Admin:    handlers.NewAdminHandler(c.TenantRepo, c.DeadLetterRepo, c.Credits),
		Intake:   intake,
	})

	hook := c.deadLetterHook()
	c.workers = []*queue.Worker{
		queue.NewWorker(c.Queue, queue.InboundConfig(), c.Inbound.HandleItem, logger, queue.WithDeadLetterHook(hook)),
		queue.NewWorker(c.Queue, queue.StatusConfig(), c.Status.HandleItem, logger, queue.WithDeadLetterHook(hook)),
		queue.NewWorker(c.Queue, queue.OutboundConfig(), c.Outbound.HandleItem, logger, queue.WithDeadLetterHook(hook)),
		queue.NewWorker(c.Queue, queue.CampaignConfig(), c.Campaigns.HandleItem, logger, queue.WithDeadLetterHook(hook)),
	}

	return c
}

// StartWorkers launches the queue worker pools and the scheduler
func (c *Container) StartWorkers(ctx context.Context) error {
	for _, w := range c.workers {
		w.Start(ctx)
	}
	return c.Scheduler.Start(ctx)
}

// deadLetterHook mirrors exhausted queue items into the database so they
// survive Redis maintenance and show up in the admin surface
func (c *Container) deadLetterHook() queue.DeadLetterHook {
	return func(ctx context.Context, cfg queue.Config, item queue.Item, procErr error) {
		dl := &models.DeadLetter{
			Queue:          cfg.Name,
			ItemType:       item.Type,
			IdempotencyKey: item.Key,
			Payload:        string(item.Payload),
			Attempts:       item.Attempts,
			LastError:      procErr.Error(),
			FailedAt:       time.Now(),
		}
		if err := c.DeadLetterRepo.Create(dl); err != nil {
			log.Error().Err(err).Str("queue", cfg.Name).Str("item_id", item.ID).Msg("Failed to persist dead letter")
		}
	}
}

package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"flowgate/internal/background"
	"flowgate/internal/repo"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// AutoReplyService evaluates the priority-ordered rule set against inbound
// text and enforces per-rule cooldowns
type AutoReplyService struct {
	ruleRepo *repo.AutoReplyRuleRepository
	rdb      *redis.Client
}

// NewAutoReplyService creates a new auto-reply matcher
func NewAutoReplyService(ruleRepo *repo.AutoReplyRuleRepository, rdb *redis.Client) *AutoReplyService {
	return &AutoReplyService{ruleRepo: ruleRepo, rdb: rdb}
}

func cooldownKey(ruleID, conversationID uuid.UUID) string {
	return fmt.Sprintf("autoreply:cooldown:%s:%s", ruleID, conversationID)
}

// Match returns the single highest-priority matching rule, or nil. On match
// the cooldown marker is set and the trigger counter incremented
// best-effort. firstMessage is decided by the caller.
func (s *AutoReplyService) Match(ctx context.Context, tenant *models.Tenant, conversationID uuid.UUID, text string, firstMessage bool) (*models.AutoReplyRule, error) {
	rules, err := s.ruleRepo.ListActive(tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	now := time.Now()
	for i := range rules {
		rule := &rules[i]

		if s.coolingDown(ctx, rule, conversationID) {
			continue
		}

		if !s.triggerMatches(rule, tenant, text, firstMessage, now) {
			continue
		}

		s.setCooldown(ctx, rule, conversationID)

		ruleID := rule.ID
		tenantID := tenant.ID
		background.SpawnBestEffort("autoreply-trigger-count", func() error {
			return s.ruleRepo.IncrementTriggerCount(tenantID, ruleID)
		})

		return rule, nil
	}

	return nil, nil
}

// coolingDown checks the cooldown marker. An unavailable cooldown store
// must never block evaluation: fail open.
func (s *AutoReplyService) coolingDown(ctx context.Context, rule *models.AutoReplyRule, conversationID uuid.UUID) bool {
	if rule.CooldownMinutes <= 0 {
		return false
	}
	exists, err := s.rdb.Exists(ctx, cooldownKey(rule.ID, conversationID)).Result()
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("Cooldown store unavailable, failing open")
		return false
	}
	return exists > 0
}

func (s *AutoReplyService) setCooldown(ctx context.Context, rule *models.AutoReplyRule, conversationID uuid.UUID) {
	if rule.CooldownMinutes <= 0 {
		return
	}
	ttl := time.Duration(rule.CooldownMinutes) * time.Minute
	if err := s.rdb.Set(ctx, cooldownKey(rule.ID, conversationID), "1", ttl).Err(); err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("Failed to set cooldown marker")
	}
}

func (s *AutoReplyService) triggerMatches(rule *models.AutoReplyRule, tenant *models.Tenant, text string, firstMessage bool, now time.Time) bool {
	switch rule.TriggerType {
	case models.TriggerKeyword:
		return matchKeywords(rule.TriggerValue, text, rule.CaseSensitive)
	case models.TriggerRegex:
		return matchRegex(rule.TriggerValue, text, rule.CaseSensitive)
	case models.TriggerFirstMessage:
		return firstMessage
	case models.TriggerOutOfHours:
		return outOfHours(tenant, now)
	case models.TriggerAll:
		return true
	default:
		log.Warn().Str("trigger_type", rule.TriggerType).Str("rule_id", rule.ID.String()).Msg("Unknown trigger type")
		return false
	}
}

// matchKeywords checks a comma-separated keyword list; any substring match wins
func matchKeywords(keywords, text string, caseSensitive bool) bool {
	haystack := text
	if !caseSensitive {
		haystack = strings.ToLower(text)
	}
	for _, kw := range strings.Split(keywords, ",") {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !caseSensitive {
			kw = strings.ToLower(kw)
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// matchRegex compiles the stored pattern, case-insensitive unless the rule
// says otherwise. Invalid patterns are logged and treated as non-matching.
func matchRegex(pattern, text string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid auto-reply regex")
		return false
	}
	return re.MatchString(text)
}

// outOfHours resolves the tenant's weekly schedule in its timezone. A day
// marked disabled, or a local time outside [start,end), is out-of-hours.
func outOfHours(tenant *models.Tenant, now time.Time) bool {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", tenant.Timezone).Msg("Unknown tenant timezone, using UTC")
		loc = time.UTC
	}
	local := now.In(loc)

	day := strings.ToLower(local.Weekday().String())
	schedule, ok := tenant.BusinessHours[day]
	if !ok || !schedule.Enabled {
		return true
	}

	start, err1 := time.Parse("15:04", schedule.Start)
	end, err2 := time.Parse("15:04", schedule.End)
	if err1 != nil || err2 != nil {
		log.Warn().Str("day", day).Msg("Malformed business hours, treating as out-of-hours")
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	return minutes < startMin || minutes >= endMin
}

package flow

import (
	"strings"

	"flowgate/pkg/models"
)

// MatchTrigger returns the first active flow whose trigger matches the
// inbound text, in the caller-provided priority order. Manual and webhook
// flows never match inbound messages.
func MatchTrigger(flows []models.Flow, text string, firstMessage bool) *models.Flow {
	for i := range flows {
		f := &flows[i]
		switch f.TriggerType {
		case models.FlowTriggerKeyword:
			if matchKeywordList(f.TriggerValue, text) {
				return f
			}
		case models.FlowTriggerFirstMessage:
			if firstMessage {
				return f
			}
		case models.FlowTriggerAllMessages:
			return f
		}
	}
	return nil
}

func matchKeywordList(keywords, text string) bool {
	haystack := strings.ToLower(text)
	for _, kw := range strings.Split(keywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

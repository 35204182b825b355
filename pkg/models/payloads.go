package models

import "github.com/google/uuid"

// Queue item types
const (
	ItemInboundMessage   = "message.inbound"
	ItemStatusUpdate     = "status.update"
	ItemOutboundSend     = "message.send"
	ItemFlowResume       = "flow.resume"
	ItemCampaignDispatch = "campaign.dispatch"
)

// InboundMessagePayload is the queue contract for one inbound message
// split off a provider webhook entry
type InboundMessagePayload struct {
	PhoneNumberID     string `json:"phone_number_id"`
	ProviderMessageID string `json:"provider_message_id"`
	From              string `json:"from"`
	Type              string `json:"type"`
	Body              string `json:"body"`
	Timestamp         int64  `json:"timestamp"`
}

// StatusUpdatePayload is the queue contract for one delivery status update
type StatusUpdatePayload struct {
	PhoneNumberID     string `json:"phone_number_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Timestamp         int64  `json:"timestamp"`
	RecipientID       string `json:"recipient_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// OutboundSendPayload is the queue contract for sending one persisted
// pending message
type OutboundSendPayload struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// FlowResumePayload is the queue contract for resuming a session after a
// delay node's deferred continuation
type FlowResumePayload struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	SessionID uuid.UUID `json:"session_id"`
}

// CampaignDispatchPayload is the queue contract for one campaign dispatch job
type CampaignDispatchPayload struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
}

// ForwardedEvent is the signed JSON event delivered to a tenant-configured
// webhook, best-effort
type ForwardedEvent struct {
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	TenantID  uuid.UUID   `json:"tenant_id"`
	Data      interface{} `json:"data"`
}

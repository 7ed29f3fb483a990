package models

import "time"

// Delivery statuses recorded for inbound webhooks.
const (
	DeliveryProcessed    = "processed"
	DeliveryIgnored      = "ignored"
	DeliveryFailed       = "failed"
	DeliveryUnauthorized = "unauthorized"
)

// WebhookDelivery is an audit row for one inbound webhook request.
type WebhookDelivery struct {
	CreatedAt       time.Time `json:"created_at"`
	ProjectID       *int64    `json:"project_id"`
	Provider        string    `json:"provider"`
	EventType       string    `json:"event_type"`
	DeliveryID      string    `json:"delivery_id"`
	Status          string    `json:"status"`
	ResponseMessage string    `json:"response_message"`
	Payload         string    `json:"payload,omitempty"`
	ID              int64     `json:"id"`
}

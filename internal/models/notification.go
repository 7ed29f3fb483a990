package models

import "time"

// Channel types.
const (
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelTeams   = "teams"
	ChannelWebhook = "webhook"
)

type NotificationChannel struct {
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	WebhookURL       string    `json:"-"` // encrypted at rest
	Events           []string  `json:"events"`
	ID               int64     `json:"id"`
	Enabled          bool      `json:"enabled"`
	NotifyOnFailure  bool      `json:"notify_on_failure"`
	NotifyOnRecovery bool      `json:"notify_on_recovery"`
}

// Subscribed reports whether the channel wants event. An empty list means all events.
func (c *NotificationChannel) Subscribed(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

type CreateChannelRequest struct {
	Name             string   `json:"name" binding:"required,max=255"`
	Type             string   `json:"type" binding:"required,oneof=slack discord teams webhook"`
	WebhookURL       string   `json:"webhook_url" binding:"required,url"`
	Events           []string `json:"events"`
	Enabled          *bool    `json:"enabled"`
	NotifyOnFailure  *bool    `json:"notify_on_failure"`
	NotifyOnRecovery *bool    `json:"notify_on_recovery"`
}

type UpdateChannelRequest struct {
	Name             *string  `json:"name" binding:"omitempty,max=255"`
	WebhookURL       *string  `json:"webhook_url" binding:"omitempty,url"`
	Events           []string `json:"events"`
	Enabled          *bool    `json:"enabled"`
	NotifyOnFailure  *bool    `json:"notify_on_failure"`
	NotifyOnRecovery *bool    `json:"notify_on_recovery"`
}

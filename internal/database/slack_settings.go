package database

import "time"

// SlackSettings stores Slack notification configuration. When enabled,
// critical anomalies are posted to the configured channel.
type SlackSettings struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BotToken      string    `gorm:"type:text" json:"bot_token"`
	AlertsChannel string    `gorm:"type:varchar(255)" json:"alerts_channel"`
	Enabled       bool      `gorm:"default:false" json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (SlackSettings) TableName() string {
	return "slack_settings"
}

// IsConfigured returns true if the bot token and channel are set
func (s *SlackSettings) IsConfigured() bool {
	return s.BotToken != "" && s.AlertsChannel != ""
}

// IsActive returns true if Slack notification is enabled and configured
func (s *SlackSettings) IsActive() bool {
	return s.Enabled && s.IsConfigured()
}

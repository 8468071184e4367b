// Package notify pushes critical anomalies to Slack. Delivery is
// best-effort: a failed post is logged and never blocks the sweep.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/utils"
)

// slackAPI is the subset of the Slack client the notifier needs
type slackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts critical anomalies to the configured alerts channel
type SlackNotifier struct {
	db *gorm.DB

	mu     sync.RWMutex
	client slackAPI
	token  string
}

// NewSlackNotifier creates a notifier reading its settings from the database
func NewSlackNotifier(db *gorm.DB) *SlackNotifier {
	return &SlackNotifier{db: db}
}

// getClient returns a client for the current bot token, rebuilding it when
// settings change.
func (n *SlackNotifier) getClient(settings *database.SlackSettings) slackAPI {
	n.mu.RLock()
	if n.client != nil && n.token == settings.BotToken {
		defer n.mu.RUnlock()
		return n.client
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil || n.token != settings.BotToken {
		n.client = slack.New(settings.BotToken)
		n.token = settings.BotToken
	}
	return n.client
}

// NotifyCriticalAnomaly posts one anomaly to the alerts channel. A disabled
// or unconfigured integration is a silent no-op.
func (n *SlackNotifier) NotifyCriticalAnomaly(anomaly *database.Anomaly) error {
	var settings database.SlackSettings
	if err := n.db.First(&settings).Error; err != nil {
		log.Printf("SlackNotifier: could not load settings: %v", err)
		return nil
	}
	if !settings.IsActive() || settings.AlertsChannel == "" {
		return nil
	}

	client := n.getClient(&settings)
	attachment := slack.Attachment{
		Color: "#d32f2f",
		Title: fmt.Sprintf("Critical anomaly: %s", anomaly.MetricName),
		Text: fmt.Sprintf("Tenant %s measured %s against an expected %s (%.1f%% off)",
			anomaly.TenantID,
			utils.FormatMetricValue(anomaly.CurrentValue, ""),
			utils.FormatMetricValue(anomaly.ExpectedValue, ""),
			anomaly.DeviationPct),
		Fields: []slack.AttachmentField{
			{Title: "Confidence", Value: fmt.Sprintf("%.2f", anomaly.Confidence), Short: true},
			{Title: "Detected by", Value: fmt.Sprintf("%v", []string(anomaly.Methods)), Short: true},
			{Title: "Occurred", Value: anomaly.OccurredAt.Format("2006-01-02 15:04 UTC"), Short: true},
			{Title: "UUID", Value: anomaly.UUID, Short: true},
		},
	}

	_, _, err := client.PostMessage(settings.AlertsChannel, slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", settings.AlertsChannel, err)
	}
	return nil
}

package notify

import (
	"testing"
	"time"

	"github.com/slack-go/slack"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := db.AutoMigrate(&database.SlackSettings{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type fakeSlack struct {
	posts []string
	err   error
}

func (f *fakeSlack) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.posts = append(f.posts, channelID)
	return channelID, "ts", nil
}

func testAnomaly() *database.Anomaly {
	return &database.Anomaly{
		UUID:          "a-1",
		TenantID:      "acme",
		MetricName:    "daily_revenue",
		OccurredAt:    time.Now(),
		CurrentValue:  40000,
		ExpectedValue: 100000,
		DeviationPct:  -60,
		Methods:       database.StringArray{"zscore", "iqr", "trend"},
		Confidence:    0.95,
		Severity:      database.AnomalySeverityCritical,
	}
}

func TestSlackNotifier_DisabledIsNoop(t *testing.T) {
	db := setupTestDB(t)
	db.Create(&database.SlackSettings{BotToken: "xoxb-test", AlertsChannel: "C123", Enabled: false})

	n := NewSlackNotifier(db)
	n.client = &fakeSlack{}
	n.token = "xoxb-test"

	if err := n.NotifyCriticalAnomaly(testAnomaly()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.client.(*fakeSlack).posts) != 0 {
		t.Error("disabled integration must not post")
	}
}

func TestSlackNotifier_PostsToConfiguredChannel(t *testing.T) {
	db := setupTestDB(t)
	db.Create(&database.SlackSettings{BotToken: "xoxb-test", AlertsChannel: "C123", Enabled: true})

	fake := &fakeSlack{}
	n := NewSlackNotifier(db)
	n.client = fake
	n.token = "xoxb-test"

	if err := n.NotifyCriticalAnomaly(testAnomaly()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.posts) != 1 || fake.posts[0] != "C123" {
		t.Errorf("expected post to C123, got %v", fake.posts)
	}
}

func TestSlackNotifier_MissingSettingsIsNoop(t *testing.T) {
	db := setupTestDB(t)
	n := NewSlackNotifier(db)
	if err := n.NotifyCriticalAnomaly(testAnomaly()); err != nil {
		t.Fatalf("missing settings must be benign, got %v", err)
	}
}

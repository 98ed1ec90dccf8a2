// Package telegram delivers monitoring alerts to staff members who linked a
// Telegram chat, and runs the bot that tells staff their chat id.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"safechat/backend/internal/localization"
	"safechat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI used to send messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// UserLookup resolves the staff member an alert is assigned to.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// AlertNotifier sends alerts through the bot. Sends go through a circuit
// breaker; while it is open alerts are dropped and logged.
type AlertNotifier struct {
	sender    Sender
	users     UserLookup
	localizer *localization.Localizer
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

func NewAlertNotifier(sender Sender, users UserLookup, localizer *localization.Localizer, log *zap.Logger) *AlertNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("telegram")

	settings := gobreaker.Settings{
		Name:        "TelegramAlerts",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &AlertNotifier{
		sender:    sender,
		users:     users,
		localizer: localizer,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		log:       log,
	}
}

// NotifyAlert messages the alert's employee. Employees without a linked chat
// are skipped.
func (n *AlertNotifier) NotifyAlert(ctx context.Context, alert *models.MonitoringAlert) error {
	user, err := n.users.GetUser(ctx, alert.EmployeeID)
	if err != nil {
		return fmt.Errorf("load alert employee: %w", err)
	}
	if user.TelegramChatID == nil {
		n.log.Debug("employee has no linked telegram chat", zap.String("employee_id", user.ID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(*user.TelegramChatID, n.Render(user.Language, alert))
	_, err = n.breaker.Execute(func() (interface{}, error) {
		return n.sender.Send(msg)
	})
	if err != nil {
		return fmt.Errorf("send alert %s: %w", alert.ID, err)
	}

	n.log.Debug("alert sent",
		zap.String("alert_id", alert.ID),
		zap.String("employee_id", user.ID))
	return nil
}

// Render builds the alert text in lang.
func (n *AlertNotifier) Render(lang string, alert *models.MonitoringAlert) string {
	if lang == "" {
		lang = localization.DefaultLanguage
	}

	rules := make([]string, 0, len(alert.Rules))
	for _, r := range alert.Rules {
		rules = append(rules, n.localizer.GetString(lang, "rule_"+r))
	}

	lines := []string{
		n.localizer.GetString(lang, "alert_title"),
		n.localizer.Format(lang, "alert_booking", alert.BookingID),
		n.localizer.Format(lang, "alert_score", alert.RiskScore),
	}
	if len(rules) > 0 {
		lines = append(lines, n.localizer.Format(lang, "alert_rules", strings.Join(rules, ", ")))
	}
	if alert.Description != "" {
		lines = append(lines, n.localizer.Format(lang, "alert_description", alert.Description))
	}
	lines = append(lines, n.localizer.Format(lang, "alert_footer", alert.ID))
	return strings.Join(lines, "\n")
}

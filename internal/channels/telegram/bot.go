// Package telegram mirrors alarm activity to a Telegram chat so a caregiver
// can follow along and act remotely when the patient is away from the
// terminal.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/alert"
)

// Config holds Telegram bot configuration.
type Config struct {
	Token   string
	Enabled bool
	ChatID  int64 // chat that receives alarm notifications
}

// Bot relays alarm state to Telegram and accepts /confirm and /dismiss
// from the configured chat. Disabled bots are inert no-ops so callers
// never need to branch.
type Bot struct {
	api        *tgbotapi.BotAPI
	supervisor *alarm.Supervisor
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	enabled    bool
	chatID     int64
}

// NewBot creates a Telegram bot. Returns a disabled bot when the feature
// is off or no token is configured.
func NewBot(cfg Config, sv *alarm.Supervisor, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return &Bot{enabled: false}, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false

	ctx, cancel := context.WithCancel(context.Background())

	return &Bot{
		api:        api,
		supervisor: sv,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		enabled:    true,
		chatID:     cfg.ChatID,
	}, nil
}

// Start begins polling for commands.
func (b *Bot) Start() error {
	if !b.enabled {
		return nil
	}

	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop halts polling and waits for the update loop to exit.
func (b *Bot) Stop() {
	if !b.enabled {
		return
	}

	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

// NotifyFired mirrors a fired alarm to the configured chat.
func (b *Bot) NotifyFired(snap alarm.Snapshot) {
	if !b.enabled || b.chatID == 0 {
		return
	}

	var text string
	if snap.Kind == alert.KindMedicine {
		text = fmt.Sprintf("💊 *Medicine due:* %s %s\nScheduled for %s. Reply /confirm once taken.",
			snap.ItemName, snap.Dosage, snap.ScheduledAt.Format("15:04"))
	} else {
		text = fmt.Sprintf("📅 *Appointment:* %s at %s",
			snap.ItemName, snap.ScheduledAt.Format("15:04"))
	}
	b.sendMessage(text)
}

// NotifyOutcome reports a terminal state to the chat.
func (b *Bot) NotifyOutcome(snap alarm.Snapshot) {
	if !b.enabled || b.chatID == 0 {
		return
	}

	var text string
	switch snap.State {
	case alarm.StateConfirmed:
		text = fmt.Sprintf("✅ %s confirmed, %d points awarded.", snap.ItemName, snap.PointsAwarded)
	case alarm.StateMissed:
		text = fmt.Sprintf("⚠️ %s was missed.", snap.ItemName)
	case alarm.StateDismissed:
		text = fmt.Sprintf("Alarm for %s dismissed.", snap.ItemName)
	default:
		return
	}
	b.sendMessage(text)
}

func (b *Bot) run() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(update); err != nil {
				b.logger.Error("Failed to handle update", zap.Error(err))
			}
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	if b.chatID != 0 && msg.Chat.ID != b.chatID {
		// commands only from the configured chat
		return nil
	}

	switch msg.Command() {
	case "start", "help":
		return b.sendMessage(`💊 *DoseWatch*

/status - show the active alarm
/confirm - confirm the dose was taken
/dismiss - dismiss the active alarm`)

	case "status":
		return b.handleStatus()

	case "confirm":
		return b.handleConfirm()

	case "dismiss":
		return b.handleDismiss()
	}

	return nil
}

func (b *Bot) handleStatus() error {
	session := b.supervisor.Active()
	if session == nil {
		return b.sendMessage("No active alarm.")
	}

	snap := session.Snapshot()
	if snap.State == alarm.StateGracePeriod {
		remaining := time.Until(snap.GraceEndsAt).Round(time.Second)
		return b.sendMessage(fmt.Sprintf("💊 %s %s — %s left to confirm.",
			snap.ItemName, snap.Dosage, remaining))
	}
	return b.sendMessage(fmt.Sprintf("Alarm for %s is %s.", snap.ItemName, snap.State))
}

func (b *Bot) handleConfirm() error {
	session := b.supervisor.Active()
	if session == nil {
		return b.sendMessage("No active alarm to confirm.")
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	points, err := session.Confirm(ctx)
	if err != nil {
		return b.sendMessage(fmt.Sprintf("Could not confirm: %s", err.Error()))
	}
	return b.sendMessage(fmt.Sprintf("✅ Confirmed, %d points awarded.", points))
}

func (b *Bot) handleDismiss() error {
	session := b.supervisor.Active()
	if session == nil {
		return b.sendMessage("No active alarm to dismiss.")
	}

	// remote dismissal counts as a deliberate, prompted action
	if err := session.Dismiss(true); err != nil {
		return b.sendMessage(fmt.Sprintf("Could not dismiss: %s", err.Error()))
	}
	return b.sendMessage("Alarm dismissed.")
}

func (b *Bot) sendMessage(text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("Failed to send Telegram message", zap.Error(err))
		return err
	}
	return nil
}

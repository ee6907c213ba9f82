package notify

import (
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"slotsync/internal/events"
	"slotsync/internal/models"
	"slotsync/internal/queue"
)

// TelegramNotifier pushes operator alerts for queue events that need a
// human decision: dead-lettered actions, conflicts, and storage
// degradation. Delivery is best effort.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger zerolog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

// Attach subscribes the notifier to the event bus.
func (n *TelegramNotifier) Attach(bus *events.EventBus) {
	bus.Subscribe(queue.EventActionDeadLettered, n.onDeadLetter)
	bus.Subscribe(events.EventConflictDetected, n.onConflict)
	bus.Subscribe(events.EventStoreDegraded, n.onDegraded)
}

func (n *TelegramNotifier) onDeadLetter(event *events.Event) error {
	var action models.Action
	if err := json.Unmarshal(event.Payload, &action); err != nil {
		return err
	}
	return n.send(deadLetterText(&action))
}

func (n *TelegramNotifier) onConflict(event *events.Event) error {
	var action models.Action
	if err := json.Unmarshal(event.Payload, &action); err != nil {
		return err
	}
	return n.send(conflictText(&action))
}

func (n *TelegramNotifier) onDegraded(event *events.Event) error {
	return n.send("🛑 Local database degraded: queue writes are going to the in-memory fallback and will not survive a restart.")
}

func deadLetterText(a *models.Action) string {
	return fmt.Sprintf("⚠️ Action #%d (%s on %s) moved to dead letter after %d attempts:\n%s",
		a.ID, a.Kind, a.Resource, a.AttemptCount, lastError(a))
}

func conflictText(a *models.Action) string {
	return fmt.Sprintf("❌ Conflict on %s: action #%d (%s) was rejected by the server.\n%s",
		a.Resource, a.ID, a.Kind, lastError(a))
}

func lastError(a *models.Action) string {
	if a.LastError == nil {
		return "(no error recorded)"
	}
	return *a.LastError
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn().Err(err).Msg("failed to send telegram notification")
		return err
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Min interval between any two Telegram messages to the same chat to avoid 429 Too Many Requests (~30/min limit).
const telegramSendInterval = 2 * time.Second

// Notifier pushes operator alerts to Telegram through an async queue so a slow
// Telegram API never blocks session or betting workers. All methods are safe
// on a nil receiver: a missing token simply disables alerts.
type Notifier struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	mu       sync.Mutex
	lastSend time.Time

	queue  chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier creates the notifier, or nil (disabled) when the bot cannot be
// reached.
func NewNotifier(token string, chatID int64) *Notifier {
	if token == "" {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		slog.Error("Failed to create telegram bot", "error", err)
		return nil
	}
	bot.Debug = false

	if _, err := bot.GetMe(); err != nil {
		slog.Error("Failed to get bot info", "error", err)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan string, 100),
		ctx:    ctx,
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.messageSender()

	slog.Info("Telegram notifier initialized", "chat_id", chatID)
	return n
}

// Close drains the queue and stops the sender.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) enqueue(text string) {
	if n == nil {
		return
	}
	select {
	case n.queue <- text:
	default:
		slog.Warn("Telegram queue full, dropping alert", "message_preview", truncate(text, 50))
	}
}

func (n *Notifier) messageSender() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			// Drain remaining messages before exit
			for {
				select {
				case text := <-n.queue:
					n.send(text)
				default:
					return
				}
			}
		case text := <-n.queue:
			n.send(text)
		}
	}
}

func (n *Notifier) send(text string) {
	n.mu.Lock()
	elapsed := time.Since(n.lastSend)
	if elapsed < telegramSendInterval {
		n.mu.Unlock()
		select {
		case <-n.ctx.Done():
		case <-time.After(telegramSendInterval - elapsed):
		}
		n.mu.Lock()
	}
	n.lastSend = time.Now()
	n.mu.Unlock()

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		slog.Error("Telegram send failed", "error", err, "message_preview", truncate(text, 50))
	}
}

// NotifyPasscodeUnresolvable alerts that an account is stuck on a passcode
// prompt no automated flow can clear.
func (n *Notifier) NotifyPasscodeUnresolvable(accountID, stage string) {
	n.enqueue(fmt.Sprintf("🔑 *Passcode unresolvable*\nAccount: `%s`\nStage: %s\nManual intervention required.", accountID, stage))
}

// NotifySessionDown reports an account whose session could not be kept alive.
func (n *Notifier) NotifySessionDown(accountID string, err error) {
	n.enqueue(fmt.Sprintf("⚠️ *Session down*\nAccount: `%s`\nError: %v", accountID, err))
}

// NotifyDispatch summarizes a bet dispatch.
func (n *Notifier) NotifyDispatch(matchID string, accepted, rejected int) {
	n.enqueue(fmt.Sprintf("🎯 *Bet dispatch*\nMatch: `%s`\nAccepted: %d, rejected: %d", matchID, accepted, rejected))
}

// NotifyEndpointFailover reports the registry abandoning a mirror.
func (n *Notifier) NotifyEndpointFailover(from, to string) {
	n.enqueue(fmt.Sprintf("🌐 *Mirror failover*\n`%s` → `%s`", from, to))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

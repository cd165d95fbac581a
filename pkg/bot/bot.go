// Package bot implements a context-aware bridge bot: it merges the bridge
// and Telegram message streams into one ordered history, asks a pure
// decision function whether to reply, and routes replies back out through
// the bridge (and optionally Telegram).
//
// The decision function sees only the history and returns a *Reply (or nil
// for silence), so reply policies are trivially unit-testable: no I/O, no
// clock, no bot state.
//
//	b := bot.New(conn, func(history []bot.Message) *bot.Reply {
//	    last := history[len(history)-1]
//	    if strings.Contains(last.Content, "@xiaoc") {
//	        return &bot.Reply{Content: "you rang?"}
//	    }
//	    return nil
//	})
package bot

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/snehjoshi/botbridge/pkg/client"
	"github.com/snehjoshi/botbridge/pkg/telegram"
)

// Message sources.
const (
	SourceBridge   = "bridge"
	SourceTelegram = "telegram"
)

// defaultHistoryLimit caps the in-memory context window.
const defaultHistoryLimit = 50

// ─── Types ────────────────────────────────────────────────────────────────────

// Message is one entry of the merged context history.
type Message struct {
	ID        string
	Source    string // SourceBridge or SourceTelegram
	Sender    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]string

	// Telegram-only correlation fields; zero for bridge messages.
	ChatID            int64
	TelegramMessageID int
}

// Reply is a decision to respond.
type Reply struct {
	Content string
	// Recipient overrides the default reply target (the sender of the
	// message that triggered the decision). Ignored when empty.
	Recipient string
	Metadata  map[string]string
	// NotifyChatID, when non-zero, additionally posts the reply to the
	// given Telegram chat.
	NotifyChatID int64
}

// DecideFunc is the reply policy. It receives the full ordered history
// (oldest first, the triggering message last) and returns nil to stay
// silent. It must be pure: no I/O, no mutation of the slice.
type DecideFunc func(history []Message) *Reply

// Sender delivers replies into the bridge. *client.Conn satisfies it.
type Sender interface {
	Send(ctx context.Context, recipient, content string, metadata map[string]string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, recipient, content string, metadata map[string]string) error

func (f SenderFunc) Send(ctx context.Context, recipient, content string, metadata map[string]string) error {
	return f(ctx, recipient, content, metadata)
}

// Notifier posts notifications to Telegram. *telegram.Client satisfies it.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Bot.
type Option func(*Bot)

// WithNotifier attaches a Telegram notifier for Reply.NotifyChatID.
func WithNotifier(n Notifier) Option {
	return func(b *Bot) { b.notifier = n }
}

// WithHistoryLimit caps the context window (default 50 messages).
func WithHistoryLimit(n int) Option {
	return func(b *Bot) { b.historyLimit = n }
}

// WithOnNewMessage sets a callback invoked for every ingested message,
// before the reply decision runs.
func WithOnNewMessage(fn func(Message)) Option {
	return func(b *Bot) { b.onNewMessage = fn }
}

// ─── Bot ──────────────────────────────────────────────────────────────────────

// Bot merges message streams and drives the reply policy.
// All methods are safe for concurrent use.
type Bot struct {
	sender   Sender
	notifier Notifier
	decide   DecideFunc

	historyLimit int
	onNewMessage func(Message)

	mu      sync.Mutex
	history []Message
}

// New creates a Bot that replies through sender according to decide.
func New(sender Sender, decide DecideFunc, opts ...Option) *Bot {
	b := &Bot{
		sender:       sender,
		decide:       decide,
		historyLimit: defaultHistoryLimit,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// HandleBridgeMessage ingests a message delivered over the bridge.
// Wire it to the live connection via client.WithOnMessage.
func (b *Bot) HandleBridgeMessage(ctx context.Context, in client.Incoming) {
	b.ingest(ctx, Message{
		ID:        in.ID,
		Source:    SourceBridge,
		Sender:    in.Sender,
		Content:   in.Content,
		Timestamp: in.Timestamp,
		Metadata:  in.Metadata,
	})
}

// HandleTelegramUpdate ingests one webhook update. Updates without a text
// message are ignored.
func (b *Bot) HandleTelegramUpdate(ctx context.Context, u *telegram.Update) {
	if u == nil || u.Message == nil || u.Message.Text == "" {
		return
	}
	tm := u.Message

	sender := "user"
	meta := map[string]string{
		"telegram_message_id": strconv.Itoa(tm.MessageID),
	}
	if tm.From != nil {
		sender = tm.From.FirstName
		meta["user_id"] = strconv.FormatInt(tm.From.ID, 10)
	}
	if tm.ReplyTo != nil {
		meta["reply_to"] = strconv.Itoa(tm.ReplyTo.MessageID)
	}

	b.ingest(ctx, Message{
		ID:                "tg_" + strconv.Itoa(tm.MessageID),
		Source:            SourceTelegram,
		Sender:            sender,
		Content:           tm.Text,
		Timestamp:         time.Unix(tm.Date, 0).UTC(),
		Metadata:          meta,
		ChatID:            tm.Chat.ID,
		TelegramMessageID: tm.MessageID,
	})
}

// History returns a copy of the current context window, oldest first.
func (b *Bot) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// ─── Internals ────────────────────────────────────────────────────────────────

// ingest appends the message to the history and runs the reply policy.
func (b *Bot) ingest(ctx context.Context, msg Message) {
	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	snapshot := make([]Message, len(b.history))
	copy(snapshot, b.history)
	b.mu.Unlock()

	slog.Debug("context message", "source", msg.Source, "sender", msg.Sender)

	if b.onNewMessage != nil {
		b.onNewMessage(msg)
	}

	if b.decide == nil {
		return
	}
	reply := b.decide(snapshot)
	if reply == nil || reply.Content == "" {
		return
	}

	recipient := reply.Recipient
	if recipient == "" {
		recipient = msg.Sender
	}
	if err := b.sender.Send(ctx, recipient, reply.Content, reply.Metadata); err != nil {
		slog.Warn("reply send failed", "recipient", recipient, "err", err)
	}

	if reply.NotifyChatID != 0 && b.notifier != nil {
		replyTo := 0
		if msg.Source == SourceTelegram {
			replyTo = msg.TelegramMessageID
		}
		if _, err := b.notifier.Notify(ctx, reply.NotifyChatID, reply.Content, replyTo); err != nil {
			slog.Warn("telegram notify failed", "chat_id", reply.NotifyChatID, "err", err)
		}
	}
}

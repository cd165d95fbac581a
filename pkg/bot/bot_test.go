package bot_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/botbridge/pkg/bot"
	"github.com/snehjoshi/botbridge/pkg/client"
	"github.com/snehjoshi/botbridge/pkg/telegram"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type sentReply struct {
	recipient, content string
	metadata           map[string]string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentReply
}

func (f *fakeSender) Send(ctx context.Context, recipient, content string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReply{recipient, content, metadata})
	return nil
}

func (f *fakeSender) all() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.sent))
	copy(out, f.sent)
	return out
}

type notified struct {
	chatID  int64
	text    string
	replyTo int
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notified
}

func (f *fakeNotifier) Notify(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notified{chatID, text, replyTo})
	return 42, nil
}

func bridgeMsg(id, sender, content string) client.Incoming {
	return client.Incoming{ID: id, Sender: sender, Content: content, Timestamp: time.Now()}
}

func tgUpdate(msgID int, chatID int64, from, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: msgID,
		Message: &telegram.Message{
			MessageID: msgID,
			From:      &telegram.User{ID: 7, FirstName: from},
			Chat:      telegram.Chat{ID: chatID},
			Date:      time.Now().Unix(),
			Text:      text,
		},
	}
}

// ─── history ─────────────────────────────────────────────────────────────────

func TestBot_MergesStreamsInOrder(t *testing.T) {
	b := bot.New(&fakeSender{}, nil)
	ctx := context.Background()

	b.HandleBridgeMessage(ctx, bridgeMsg("m1", "xiaod", "from bridge"))
	b.HandleTelegramUpdate(ctx, tgUpdate(100, 555, "Ada", "from telegram"))
	b.HandleBridgeMessage(ctx, bridgeMsg("m2", "xiaoe", "bridge again"))

	h := b.History()
	if len(h) != 3 {
		t.Fatalf("history: want 3, got %d", len(h))
	}
	wantSources := []string{bot.SourceBridge, bot.SourceTelegram, bot.SourceBridge}
	for i, want := range wantSources {
		if h[i].Source != want {
			t.Errorf("history[%d].Source: want %s, got %s", i, want, h[i].Source)
		}
	}
	if h[1].Sender != "Ada" || h[1].ChatID != 555 || h[1].TelegramMessageID != 100 {
		t.Errorf("telegram entry: %+v", h[1])
	}
}

func TestBot_HistoryLimit(t *testing.T) {
	b := bot.New(&fakeSender{}, nil, bot.WithHistoryLimit(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.HandleBridgeMessage(ctx, bridgeMsg(fmt.Sprintf("m%d", i), "x", strconv.Itoa(i)))
	}

	h := b.History()
	if len(h) != 3 {
		t.Fatalf("history: want 3, got %d", len(h))
	}
	// Oldest entries are evicted first.
	if h[0].Content != "2" || h[2].Content != "4" {
		t.Errorf("window: want [2 3 4], got [%s %s %s]", h[0].Content, h[1].Content, h[2].Content)
	}
}

func TestBot_IgnoresEmptyTelegramUpdates(t *testing.T) {
	b := bot.New(&fakeSender{}, nil)
	ctx := context.Background()

	b.HandleTelegramUpdate(ctx, nil)
	b.HandleTelegramUpdate(ctx, &telegram.Update{UpdateID: 1})
	b.HandleTelegramUpdate(ctx, &telegram.Update{UpdateID: 2, Message: &telegram.Message{MessageID: 9}})

	if len(b.History()) != 0 {
		t.Errorf("history: want empty, got %d", len(b.History()))
	}
}

// ─── reply policy ────────────────────────────────────────────────────────────

func TestBot_ReplyGoesToTriggerSender(t *testing.T) {
	sender := &fakeSender{}
	b := bot.New(sender, func(history []bot.Message) *bot.Reply {
		last := history[len(history)-1]
		if last.Content == "ping" {
			return &bot.Reply{Content: "pong"}
		}
		return nil
	})
	ctx := context.Background()

	b.HandleBridgeMessage(ctx, bridgeMsg("m1", "xiaod", "hello"))
	b.HandleBridgeMessage(ctx, bridgeMsg("m2", "xiaoe", "ping"))

	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent: want 1 reply, got %d", len(sent))
	}
	if sent[0].recipient != "xiaoe" || sent[0].content != "pong" {
		t.Errorf("reply: %+v", sent[0])
	}
}

func TestBot_ReplyRecipientOverride(t *testing.T) {
	sender := &fakeSender{}
	b := bot.New(sender, func(history []bot.Message) *bot.Reply {
		return &bot.Reply{Content: "routed", Recipient: "ops"}
	})

	b.HandleBridgeMessage(context.Background(), bridgeMsg("m1", "xiaod", "alert"))

	sent := sender.all()
	if len(sent) != 1 || sent[0].recipient != "ops" {
		t.Errorf("override: %+v", sent)
	}
}

func TestBot_PolicySeesFullHistory(t *testing.T) {
	var seen [][]string
	b := bot.New(&fakeSender{}, func(history []bot.Message) *bot.Reply {
		contents := make([]string, len(history))
		for i, m := range history {
			contents[i] = m.Content
		}
		seen = append(seen, contents)
		return nil
	})
	ctx := context.Background()

	b.HandleBridgeMessage(ctx, bridgeMsg("m1", "a", "one"))
	b.HandleBridgeMessage(ctx, bridgeMsg("m2", "a", "two"))

	if len(seen) != 2 {
		t.Fatalf("policy calls: want 2, got %d", len(seen))
	}
	if len(seen[0]) != 1 || len(seen[1]) != 2 {
		t.Errorf("history growth: %v", seen)
	}
	if seen[1][1] != "two" {
		t.Errorf("triggering message must be last: %v", seen[1])
	}
}

func TestBot_TelegramNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	b := bot.New(&fakeSender{}, func(history []bot.Message) *bot.Reply {
		last := history[len(history)-1]
		return &bot.Reply{Content: "ack!", NotifyChatID: last.ChatID}
	}, bot.WithNotifier(notifier))

	b.HandleTelegramUpdate(context.Background(), tgUpdate(100, 555, "Ada", "hi bot"))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 {
		t.Fatalf("notifications: want 1, got %d", len(notifier.calls))
	}
	n := notifier.calls[0]
	if n.chatID != 555 || n.text != "ack!" || n.replyTo != 100 {
		t.Errorf("notification: %+v", n)
	}
}

func TestBot_OnNewMessageCallback(t *testing.T) {
	var got []string
	b := bot.New(&fakeSender{}, nil, bot.WithOnNewMessage(func(m bot.Message) {
		got = append(got, m.Content)
	}))

	b.HandleBridgeMessage(context.Background(), bridgeMsg("m1", "a", "x"))
	if len(got) != 1 || got[0] != "x" {
		t.Errorf("callback: %v", got)
	}
}

// Command bridge-webhookd hosts a context-aware bot behind a Telegram
// webhook. Inbound Telegram updates and bridge messages are merged into one
// history; replies go back out through the bridge and, for Telegram-sourced
// messages, to the originating chat.
//
// Usage:
//
//	bridge-webhookd [--config path/to/config.yaml]
//
// The bot identity and relay address come from the bot section of the
// config (or the BOT_ID / BRIDGE_API_URL environment variables).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snehjoshi/botbridge/internal/config"
	"github.com/snehjoshi/botbridge/pkg/bot"
	"github.com/snehjoshi/botbridge/pkg/client"
	"github.com/snehjoshi/botbridge/pkg/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-webhookd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	botID := cfg.Bot.ID
	slog.Info("bridge-webhookd starting",
		"bot_id", botID,
		"bridge_url", cfg.Bot.BridgeURL,
		"webhook_port", cfg.Webhook.Port,
	)

	// ── 3. Build the context bot ─────────────────────────────────────────────
	// The bot and the live connection reference each other (replies go out
	// through the connection, inbound frames feed the bot), so the bot sends
	// through a late-bound SenderFunc and the connection is dialed after.
	api := client.New(cfg.Bot.BridgeURL, botID)

	var conn *client.Conn
	var opts []bot.Option
	if cfg.Telegram.BotToken != "" {
		opts = append(opts, bot.WithNotifier(telegram.NewClient(cfg.Telegram.BotToken, "")))
	}
	b := bot.New(bot.SenderFunc(func(ctx context.Context, recipient, content string, metadata map[string]string) error {
		return conn.Send(ctx, recipient, content, metadata)
	}), mentionPolicy(botID), opts...)

	// ── 4. Connect to the bridge ─────────────────────────────────────────────
	conn = client.Dial(api,
		client.WithOnMessage(func(in client.Incoming) {
			b.HandleBridgeMessage(context.Background(), in)
		}),
		client.WithOnConnectionChange(func(connected bool) {
			slog.Info("bridge connection", "connected", connected)
		}),
		client.WithOnError(func(err error) {
			slog.Warn("bridge error", "err", err)
		}),
	)
	defer conn.Close()

	// ── 5. Serve the webhook endpoints ───────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("POST /telegram-webhook", func(w http.ResponseWriter, r *http.Request) {
		var update telegram.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		b.HandleTelegramUpdate(r.Context(), &update)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"bot_id":    botID,
			"connected": conn.State() == client.StateConnected,
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Webhook.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("webhook listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 6. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("bridge-webhookd stopped")
	return nil
}

// mentionPolicy is the default reply policy: answer when mentioned,
// acknowledge direct Telegram messages, stay silent otherwise.
func mentionPolicy(botID string) bot.DecideFunc {
	mention := "@" + botID
	return func(history []bot.Message) *bot.Reply {
		last := history[len(history)-1]

		if strings.Contains(last.Content, mention) {
			return &bot.Reply{
				Content:      "got the mention, " + last.Sender,
				NotifyChatID: last.ChatID,
			}
		}
		if last.Source == bot.SourceTelegram {
			return &bot.Reply{
				Content:      "message received",
				NotifyChatID: last.ChatID,
			}
		}
		return nil
	}
}

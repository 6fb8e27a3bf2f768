// Package chat optionally records channel chat activity over IRC. Message
// counts feed the popular-visitors view; presence itself never depends on
// chat, since lurkers appear in the chatters snapshot without ever speaking.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/presence-tracker/config"
	"github.com/onnwee/presence-tracker/db"
)

// StartActivityRecorder connects to the configured channels' chat and records
// one row per message until ctx is cancelled. It returns immediately when the
// feature is disabled or credentials are missing.
func StartActivityRecorder(ctx context.Context, cfg *config.Config, store *db.Store) {
	if !cfg.ChatActivity {
		return
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("chat activity recorder disabled", slog.Any("reason", err))
		return
	}

	client := twitch.NewClient(cfg.ChatBotUsername, cfg.ChatBotToken)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		channel := strings.ToLower(msg.Channel)
		username := strings.ToLower(msg.User.Name)
		if err := store.InsertChatMessage(ctx, channel, username, msg.Message, time.Now().UTC()); err != nil {
			slog.Error("failed to insert chat message", slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.ChatChannels...)
	slog.Info("chat activity recorder starting", slog.Any("channels", cfg.ChatChannels))
	if err := client.Connect(); err != nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}

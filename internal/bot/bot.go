// Package bot is the application layer on top of the session core:
// follow policy and chat commands.
package bot

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/protocol"
	"github.com/mkoster/spacebot/internal/session"
)

const (
	cmdTellEveryone   = "/telleveryone "
	cmdPlayToEveryone = "/playtoeveryone "

	playTimeout = 2 * time.Minute
)

// Commander is the slice of session commands the bot issues.
// Implemented by *session.Session.
type Commander interface {
	AcceptFollow(leader uint32)
	StopFollowing(leader uint32)
	MoveTo(pos protocol.Position)
	SendGlobalMessage(text string)
	SendAudioMessage(url string)
	SendChat(target uint32, text string)
}

// Media is the download/upload glue for /playtoeveryone.
type Media interface {
	Download(ctx context.Context, fileURL string) (string, error)
	UploadAudio(ctx context.Context, uploaderURL, filePath string) (string, error)
}

type Bot struct {
	cmd         Commander
	media       Media
	uploaderURL string
	log         *zap.Logger
}

func New(media Media, uploaderURL string, log *zap.Logger) *Bot {
	return &Bot{media: media, uploaderURL: uploaderURL, log: log}
}

// Bind attaches the command surface. Must be called before any event
// arrives, i.e. before the transport is dialed.
func (b *Bot) Bind(cmd Commander) { b.cmd = cmd }

// Handlers wires the bot's behavior into the session.
func (b *Bot) Handlers() session.Handlers {
	return session.Handlers{
		Opened: func() {
			b.log.Info("connected")
		},
		Closed: func(err error) {
			b.log.Info("disconnected", zap.Error(err))
		},
		UserJoined: func(u session.RemoteUser, _ protocol.Position) {
			b.log.Debug("user joined the office", zap.String("name", u.Name))
		},
		UserLeft: func(name string) {
			b.log.Debug("user left the office", zap.String("name", name))
		},
		// The session only surfaces a follow request when not already
		// following, so the first request is accepted unconditionally.
		FollowRequest: func(from session.RemoteUser) {
			b.log.Info("accepting follow request", zap.String("name", from.Name))
			b.cmd.AcceptFollow(from.ID)
		},
		FollowAbort: func(from session.RemoteUser) {
			b.cmd.StopFollowing(from.ID)
		},
		LeaderMoved: func(pos protocol.Position) {
			b.cmd.MoveTo(pos)
		},
		ChatMessage: b.handleChat,
	}
}

func (b *Bot) handleChat(from session.RemoteUser, text string) {
	switch {
	case strings.HasPrefix(text, cmdTellEveryone):
		msg := strings.TrimPrefix(text, cmdTellEveryone)
		b.cmd.SendChat(from.ID, "Ok")
		b.cmd.SendGlobalMessage(msg + "\n by " + from.Name)

	case strings.HasPrefix(text, cmdPlayToEveryone):
		fileURL := strings.TrimPrefix(text, cmdPlayToEveryone)
		b.cmd.SendChat(from.ID, "Ok, will play "+fileURL)
		// Download and upload off the session loop; session commands
		// re-enter through the inbox, so this goroutine is safe.
		go b.playToEveryone(fileURL)
	}
}

func (b *Bot) playToEveryone(fileURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	local, err := b.media.Download(ctx, fileURL)
	if err != nil {
		b.log.Warn("audio download failed", zap.String("url", fileURL), zap.Error(err))
		return
	}
	defer os.Remove(local)

	served, err := b.media.UploadAudio(ctx, b.uploaderURL, local)
	if err != nil {
		b.log.Warn("audio upload failed", zap.Error(err))
		return
	}
	b.cmd.SendAudioMessage(served)
}

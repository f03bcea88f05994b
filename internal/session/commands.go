package session

import (
	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/protocol"
)

// Outbound command encoding. Commands that reference the bot's own id
// are invalid before the server's handshake assigns one; issuing them
// earlier is an application bug, reported via DPanic rather than sent
// malformed.

func (s *Session) handleAcceptFollow(leader uint32) {
	if !s.selfSet {
		s.log.DPanic("acceptFollow before room joined", zap.Uint32("leader", leader))
		return
	}
	if s.following {
		// First request wins; the existing leader is kept.
		s.log.Debug("acceptFollow while following ignored",
			zap.Uint32("leader", leader),
			zap.Uint32("current", s.followingLeader),
		)
		return
	}
	s.setFollowing(leader)
	s.sendCommand(protocol.CliFollowConfirmation, protocol.FollowConfirmation{
		Leader:   leader,
		Follower: s.selfID,
	})
}

func (s *Session) handleStopFollow(leader uint32) {
	if !s.selfSet {
		s.log.DPanic("stopFollowing before room joined", zap.Uint32("leader", leader))
		return
	}
	s.clearFollowing()
	s.sendCommand(protocol.CliFollowAbort, protocol.FollowAbort{
		Leader:   leader,
		Follower: s.selfID,
	})
}

// sendPeerSignal relays an outbound signaling payload through the
// server. Wired as the peer manager's SendSignal callback.
func (s *Session) sendPeerSignal(remoteID uint32, signal string) {
	s.sendCommand(protocol.CliWebRTCSignal, protocol.WebRTCSignalToServer{
		ReceiverID: remoteID,
		Signal:     signal,
	})
}

func (s *Session) sendCommand(t protocol.MessageType, payload any) {
	b, err := protocol.EncodeFrame(t, payload)
	if err != nil {
		// Outbound payloads are our own structs; failing to encode one
		// is a programming error.
		s.log.DPanic("encoding outbound command failed",
			zap.String("type", string(t)),
			zap.Error(err),
		)
		return
	}
	if s.sender == nil {
		s.log.Debug("no transport bound; command dropped", zap.String("type", string(t)))
		return
	}
	if err := s.sender.Send(b); err != nil {
		s.log.Warn("sending command failed",
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}

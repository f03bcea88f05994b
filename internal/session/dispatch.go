package session

import (
	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/protocol"
)

// dispatchFrame decodes one raw frame and routes it. Malformed frames
// are logged and dropped; they must never take the session down.
func (s *Session) dispatchFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	s.dispatch(frame, true)
}

// dispatch routes a decoded frame. Batch payloads are re-dispatched
// element by element, strictly in payload order; downstream state
// ("a user exists before it can move") depends on that ordering.
func (s *Session) dispatch(f protocol.Frame, allowBatch bool) {
	switch f.Type {
	case protocol.SrvBatch:
		if !allowBatch {
			s.log.Warn("nested batch ignored")
			return
		}
		var b protocol.Batch
		if !s.decode(f, &b) {
			return
		}
		for _, sub := range b.Payload {
			s.dispatch(sub, false)
		}

	case protocol.SrvRoomJoined:
		var msg protocol.RoomJoined
		if s.decode(f, &msg) {
			s.applyRoomJoined(msg)
		}

	case protocol.SrvUserJoined:
		var msg protocol.UserJoined
		if s.decode(f, &msg) {
			s.applyUserJoined(msg)
		}

	case protocol.SrvUserLeft:
		var msg protocol.UserLeft
		if s.decode(f, &msg) {
			s.applyUserLeft(msg)
		}

	case protocol.SrvUserMoved:
		var msg protocol.UserMoved
		if s.decode(f, &msg) {
			s.applyUserMoved(msg)
		}

	case protocol.SrvGroupUpdate:
		var msg protocol.GroupUpdate
		if s.decode(f, &msg) {
			s.applyGroupUpdate(msg)
		}

	case protocol.SrvGroupDelete:
		var msg protocol.GroupDelete
		if s.decode(f, &msg) {
			s.applyGroupDelete(msg)
		}

	case protocol.SrvItemEvent:
		var msg protocol.ItemEvent
		if s.decode(f, &msg) && s.h.ItemEvent != nil {
			s.h.ItemEvent(msg)
		}

	case protocol.SrvEmoteEvent:
		var msg protocol.EmoteEvent
		if s.decode(f, &msg) && s.h.Emote != nil {
			s.h.Emote(msg)
		}

	case protocol.SrvVariable:
		var msg protocol.Variable
		if s.decode(f, &msg) && s.h.VariableChanged != nil {
			s.h.VariableChanged(msg)
		}

	case protocol.SrvPlayerDetailsUpdated:
		var msg protocol.PlayerDetailsUpdated
		if s.decode(f, &msg) {
			s.applyDetailsUpdated(msg)
		}

	case protocol.SrvWebRTCStart:
		var msg protocol.WebRTCStart
		if s.decode(f, &msg) {
			s.peerMgr.Start(msg.UserID, msg.Initiator)
		}

	case protocol.SrvWebRTCSignal:
		var msg protocol.WebRTCSignal
		if s.decode(f, &msg) {
			s.peerMgr.Signal(msg.UserID, msg.Signal)
		}

	case protocol.SrvFollowRequest:
		var msg protocol.FollowRequest
		if s.decode(f, &msg) {
			s.applyFollowRequest(msg)
		}

	case protocol.SrvFollowAbort:
		var msg protocol.FollowAbort
		if s.decode(f, &msg) {
			s.applyFollowAbort(msg)
		}

	case protocol.SrvError:
		var msg protocol.ServerError
		if s.decode(f, &msg) {
			s.log.Error("server reported error", zap.String("message", msg.Message))
		}

	default:
		// Forward compatibility: newer servers may send tags this
		// client does not know about.
		s.log.Debug("unknown message type ignored", zap.String("type", string(f.Type)))
	}
}

func (s *Session) decode(f protocol.Frame, v any) bool {
	if err := f.DecodePayload(v); err != nil {
		s.log.Warn("dropping malformed payload",
			zap.String("type", string(f.Type)),
			zap.Error(err),
		)
		return false
	}
	return true
}

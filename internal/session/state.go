package session

import (
	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/protocol"
)

// State reconciliation: the single source of truth for remote users,
// groups and the follow relationship. All methods run on the loop.

func (s *Session) applyRoomJoined(msg protocol.RoomJoined) {
	if s.selfSet {
		// Not expected in normal operation; overwrite rather than crash.
		s.log.Warn("duplicate roomJoined overwrites self id",
			zap.Uint32("old", s.selfID),
			zap.Uint32("new", msg.CurrentUserID),
		)
	}
	s.selfID = msg.CurrentUserID
	s.selfSet = true
	s.log.Debug("assigned self id", zap.Uint32("selfId", s.selfID))
}

func (s *Session) applyUserJoined(msg protocol.UserJoined) {
	if s.selfSet && msg.UserID == s.selfID {
		// The user table never contains an entry for ourselves.
		s.log.Debug("join event for self ignored")
		return
	}
	u := &RemoteUser{
		ID:       msg.UserID,
		UUID:     msg.UserUUID,
		Name:     msg.Name,
		Position: msg.Position,
	}
	s.users[msg.UserID] = u
	if s.h.UserJoined != nil {
		s.h.UserJoined(*u, msg.Position)
	}
}

func (s *Session) applyUserLeft(msg protocol.UserLeft) {
	u, ok := s.users[msg.UserID]
	if !ok {
		// A leave can race ahead of its join across batched fan-out;
		// benign, not an error.
		s.log.Debug("leave event for unknown user", zap.Uint32("userId", msg.UserID))
		return
	}
	delete(s.users, msg.UserID)
	if s.h.UserLeft != nil {
		s.h.UserLeft(u.Name)
	}
}

func (s *Session) applyUserMoved(msg protocol.UserMoved) {
	if u, ok := s.users[msg.UserID]; ok {
		u.Position = msg.Position
	} else {
		s.log.Debug("move event for unknown user", zap.Uint32("userId", msg.UserID))
	}
	if s.h.UserMoved != nil {
		s.h.UserMoved(msg)
	}
	if s.following && msg.UserID == s.followingLeader && s.h.LeaderMoved != nil {
		s.h.LeaderMoved(msg.Position)
	}
}

func (s *Session) applyGroupUpdate(msg protocol.GroupUpdate) {
	g := Group{ID: msg.GroupID, Position: msg.Position, Size: msg.GroupSize}
	s.groups[msg.GroupID] = g
	if s.h.GroupUpdate != nil {
		s.h.GroupUpdate(g)
	}
}

func (s *Session) applyGroupDelete(msg protocol.GroupDelete) {
	if _, ok := s.groups[msg.GroupID]; !ok {
		s.log.Debug("delete event for unknown group", zap.Uint32("groupId", msg.GroupID))
		return
	}
	delete(s.groups, msg.GroupID)
	if s.h.GroupDelete != nil {
		s.h.GroupDelete(msg.GroupID)
	}
}

func (s *Session) applyDetailsUpdated(msg protocol.PlayerDetailsUpdated) {
	if s.h.DetailsUpdated != nil {
		s.h.DetailsUpdated(msg)
	}
}

// applyFollowRequest surfaces a follow request to the application.
// Policy: one follow relationship at a time, first request wins;
// requests arriving while already following are dropped.
func (s *Session) applyFollowRequest(msg protocol.FollowRequest) {
	if s.following {
		s.log.Debug("follow request while following dropped",
			zap.Uint32("leader", msg.Leader),
			zap.Uint32("current", s.followingLeader),
		)
		return
	}
	if s.h.FollowRequest != nil {
		s.h.FollowRequest(s.userOrStub(msg.Leader))
	}
}

// applyFollowAbort stops following on any abort, whether or not the
// abort names the current leader.
func (s *Session) applyFollowAbort(msg protocol.FollowAbort) {
	from := s.userOrStub(msg.Leader)
	if s.following {
		s.clearFollowing()
	}
	if s.h.FollowAbort != nil {
		s.h.FollowAbort(from)
	}
}

// setFollowing and clearFollowing are the only writers of the follow
// fields, keeping "following iff a leader is set" true in every state.
func (s *Session) setFollowing(leader uint32) {
	s.followingLeader = leader
	s.following = true
}

func (s *Session) clearFollowing() {
	s.followingLeader = 0
	s.following = false
}

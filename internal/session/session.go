// Package session is the presence core: it reconciles server events
// into a local view of users and groups, tracks the follow
// relationship, and drives peer connection lifecycles.
//
// One goroutine owns all mutable state. Every input — an inbound frame,
// a transport close, an asynchronous peer event, an application
// command — is a typed message on a single inbox channel, so handlers
// never run concurrently and no state needs locking.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/peers"
	"github.com/mkoster/spacebot/internal/protocol"
)

// Sender writes one frame to the server. Implemented by
// transport.Session; tests substitute a recorder.
type Sender interface {
	Send(data []byte) error
}

// RemoteUser is a user currently present in the room, as last reported
// by the server.
type RemoteUser struct {
	ID       uint32
	UUID     string
	Name     string
	Position protocol.Position
}

// Group is a conversation bubble of users on the map.
type Group struct {
	ID       uint32
	Position protocol.Point
	Size     uint32
}

// Handlers are the application-facing events. They are invoked
// synchronously from the session loop, strictly in event order; nil
// handlers are skipped. Handlers must not block.
type Handlers struct {
	Opened          func()
	Closed          func(err error)
	UserJoined      func(user RemoteUser, pos protocol.Position)
	UserLeft        func(displayName string)
	UserMoved       func(ev protocol.UserMoved)
	LeaderMoved     func(pos protocol.Position)
	GroupUpdate     func(g Group)
	GroupDelete     func(id uint32)
	Emote           func(ev protocol.EmoteEvent)
	VariableChanged func(ev protocol.Variable)
	DetailsUpdated  func(ev protocol.PlayerDetailsUpdated)
	ItemEvent       func(ev protocol.ItemEvent)
	FollowRequest   func(from RemoteUser)
	FollowAbort     func(from RemoteUser)
	ChatMessage     func(from RemoteUser, text string)
}

// Options configure a Session.
type Options struct {
	// Viewport is sent with every move command.
	Viewport    protocol.Viewport
	PeerFactory peers.Factory
	Handlers    Handlers
	Logger      *zap.Logger
}

type message interface{ isSessionMsg() }

type opened struct{}
type inboundFrame struct{ data []byte }
type transportClosed struct{ err error }
type peerEvent struct{ ev peers.Event }
type acceptFollow struct{ leader uint32 }
type stopFollow struct{ leader uint32 }
type moveTo struct{ pos protocol.Position }
type sendGlobal struct{ text string }
type sendAudio struct{ url string }
type sendChat struct {
	target uint32
	text   string
}
type getState struct{ reply chan Snapshot }

func (opened) isSessionMsg()          {}
func (inboundFrame) isSessionMsg()    {}
func (transportClosed) isSessionMsg() {}
func (peerEvent) isSessionMsg()       {}
func (acceptFollow) isSessionMsg()    {}
func (stopFollow) isSessionMsg()      {}
func (moveTo) isSessionMsg()          {}
func (sendGlobal) isSessionMsg()      {}
func (sendAudio) isSessionMsg()       {}
func (sendChat) isSessionMsg()        {}
func (getState) isSessionMsg()        {}

// Snapshot is a race-free view of the session state, for tests and the
// /status endpoint.
type Snapshot struct {
	SelfID    uint32       `json:"selfId"`
	Following bool         `json:"following"`
	Leader    uint32       `json:"leader,omitempty"`
	Users     []RemoteUser `json:"users"`
	Groups    []Group      `json:"groups,omitempty"`
	Peers     int          `json:"peers"`
}

// Session owns one connection's worth of presence state.
type Session struct {
	inbox chan message
	done  chan struct{}

	sender   Sender
	h        Handlers
	log      *zap.Logger
	viewport protocol.Viewport

	// Loop-owned state. Never touched outside the loop goroutine.
	selfID          uint32
	selfSet         bool
	users           map[uint32]*RemoteUser
	groups          map[uint32]Group
	followingLeader uint32
	following       bool
	peerMgr         *peers.Manager
}

func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		inbox:    make(chan message, 64),
		done:     make(chan struct{}),
		h:        opts.Handlers,
		log:      log,
		viewport: opts.Viewport,
		users:    make(map[uint32]*RemoteUser),
		groups:   make(map[uint32]Group),
	}
	s.peerMgr = peers.NewManager(
		opts.PeerFactory,
		func(ev peers.Event) { s.post(peerEvent{ev: ev}) },
		peers.Callbacks{
			SendSignal:  s.sendPeerSignal,
			ChatMessage: s.emitChat,
		},
		log.Named("peers"),
	)
	return s
}

// Start binds the transport and runs the loop until the context is
// cancelled or the transport closes.
func (s *Session) Start(ctx context.Context, sender Sender) {
	s.sender = sender
	go s.loop(ctx)
}

// Done is closed when the loop has exited and all peers are torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleOpened, HandleFrame and HandleClosed adapt transport callbacks
// onto the inbox. HandleFrame preserves arrival order because the
// transport delivers frames from a single read loop.
func (s *Session) HandleOpened()           { s.post(opened{}) }
func (s *Session) HandleFrame(data []byte) { s.post(inboundFrame{data: data}) }
func (s *Session) HandleClosed(err error)  { s.post(transportClosed{err: err}) }

// AcceptFollow confirms a follow request from leader. Calling it before
// the server has assigned a self id is an application bug and is
// reported loudly.
func (s *Session) AcceptFollow(leader uint32) { s.post(acceptFollow{leader: leader}) }

// StopFollowing aborts the follow relationship with leader.
func (s *Session) StopFollowing(leader uint32) { s.post(stopFollow{leader: leader}) }

// MoveTo moves the bot's avatar.
func (s *Session) MoveTo(pos protocol.Position) { s.post(moveTo{pos: pos}) }

// SendGlobalMessage broadcasts rich text to the room.
func (s *Session) SendGlobalMessage(text string) { s.post(sendGlobal{text: text}) }

// SendAudioMessage broadcasts an audio URL to the room.
func (s *Session) SendAudioMessage(url string) { s.post(sendAudio{url: url}) }

// SendChat writes text to target's peer data channel. Best-effort: a
// target without an established channel is a no-op.
func (s *Session) SendChat(target uint32, text string) {
	s.post(sendChat{target: target, text: text})
}

// Snapshot returns the current state. Blocks until the loop serves the
// request, ctx expires, or the session has shut down.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.inbox <- getState{reply: reply}:
	case <-s.done:
		return Snapshot{}, context.Canceled
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, context.Canceled
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.done:
		// Loop has exited; late events are dropped.
	}
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdown(nil)
			return
		case m := <-s.inbox:
			switch m := m.(type) {
			case opened:
				if s.h.Opened != nil {
					s.h.Opened()
				}
			case inboundFrame:
				s.dispatchFrame(m.data)
			case transportClosed:
				s.shutdown(m.err)
				return
			case peerEvent:
				s.peerMgr.Deliver(m.ev)
			case acceptFollow:
				s.handleAcceptFollow(m.leader)
			case stopFollow:
				s.handleStopFollow(m.leader)
			case moveTo:
				s.sendCommand(protocol.CliUserMoves, protocol.UserMoves{
					Position: m.pos,
					Viewport: s.viewport,
				})
			case sendGlobal:
				s.sendCommand(protocol.CliPlayGlobal, protocol.PlayGlobal{
					Type:    "message",
					Content: protocol.GlobalTextContent(m.text),
				})
			case sendAudio:
				s.sendCommand(protocol.CliPlayGlobal, protocol.PlayGlobal{
					Type:    "audio",
					Content: m.url,
				})
			case sendChat:
				s.peerMgr.SendChat(m.target, m.text)
			case getState:
				m.reply <- s.currentSnapshot()
			}
		}
	}
}

// shutdown tears down every peer entry before reporting closure, so no
// peer connection outlives the session.
func (s *Session) shutdown(err error) {
	s.peerMgr.CloseAll()
	close(s.done)
	if s.h.Closed != nil {
		s.h.Closed(err)
	}
}

func (s *Session) currentSnapshot() Snapshot {
	snap := Snapshot{
		SelfID:    s.selfID,
		Following: s.following,
		Leader:    s.followingLeader,
		Users:     make([]RemoteUser, 0, len(s.users)),
		Peers:     s.peerMgr.Len(),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, *u)
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g)
	}
	return snap
}

func (s *Session) emitChat(remoteID uint32, text string) {
	if s.h.ChatMessage != nil {
		s.h.ChatMessage(s.userOrStub(remoteID), text)
	}
}

// userOrStub resolves an id against the user table, falling back to a
// bare id when the user is unknown (event ordering across the server
// fan-out is not strictly causal).
func (s *Session) userOrStub(id uint32) RemoteUser {
	if u, ok := s.users[id]; ok {
		return *u
	}
	return RemoteUser{ID: id}
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mkoster/spacebot/internal/peers"
	"github.com/mkoster/spacebot/internal/protocol"
)

// frameRecorder captures outbound frames in place of a real transport.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) Send(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), b...))
	return nil
}

func (r *frameRecorder) ofType(t *testing.T, typ protocol.MessageType) []protocol.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Frame
	for _, b := range r.frames {
		f, err := protocol.DecodeFrame(b)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// stubPeer is an inert peer for tests that only exercise reconciliation.
type stubPeer struct{ closed bool }

func (p *stubPeer) Signal([]byte) error { return nil }
func (p *stubPeer) Send([]byte) error   { return nil }
func (p *stubPeer) Close() error        { p.closed = true; return nil }

type stubFactory struct {
	mu      sync.Mutex
	created []*stubPeer
	events  []peers.PeerEvents
}

func (f *stubFactory) NewPeer(remoteID uint32, initiator bool, ev peers.PeerEvents) (peers.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &stubPeer{}
	f.created = append(f.created, p)
	f.events = append(f.events, ev)
	return p, nil
}

func (f *stubFactory) eventsFor(t *testing.T, i int) peers.PeerEvents {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.events) {
		t.Fatalf("no peer %d created (have %d)", i, len(f.events))
	}
	return f.events[i]
}

func newTestSession(t *testing.T, h Handlers, factory peers.Factory) (*Session, *frameRecorder) {
	t.Helper()
	if factory == nil {
		factory = &stubFactory{}
	}
	rec := &frameRecorder{}
	s := New(Options{
		Viewport:    protocol.Viewport{Left: 0, Top: 0, Right: 666, Bottom: 1536},
		PeerFactory: factory,
		Handlers:    h,
		Logger:      zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx, rec)
	return s, rec
}

// fence round-trips through the loop, guaranteeing every previously
// posted message has been processed, and returns the resulting state.
func fence(t *testing.T, s *Session) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

// recvEvent receives one emission with a timeout so tests never hang.
func recvEvent[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		var zero T
		return zero // unreachable
	}
}

func recvNoEvent[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("expected no event within %v, got %+v", within, v)
	case <-time.After(within):
	}
}

func mustSub(t *testing.T, typ protocol.MessageType, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("building %s frame: %v", typ, err)
	}
	return f
}

func mustBatch(t *testing.T, frames ...protocol.Frame) []byte {
	t.Helper()
	b, err := protocol.EncodeBatch(frames...)
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	return b
}

func TestScenarioFollowAndMovementRelay(t *testing.T) {
	moved := make(chan protocol.Position, 4)

	var s *Session
	h := Handlers{
		FollowRequest: func(from RemoteUser) {
			// The application accepts the first request.
			s.AcceptFollow(from.ID)
		},
		LeaderMoved: func(pos protocol.Position) { moved <- pos },
	}
	s, rec := newTestSession(t, h, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{
		UserID: 3, Name: "Ann", Position: protocol.Position{X: 1, Y: 1},
	})))
	s.HandleFrame(protocol.MustFrame(protocol.SrvFollowRequest, protocol.FollowRequest{Leader: 3}))
	// The handler's AcceptFollow re-enters through the inbox; fence so
	// it lands before the leader's move.
	fence(t, s)
	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserMoved, protocol.UserMoved{
		UserID: 3, Position: protocol.Position{X: 10, Y: 10},
	})))

	snap := fence(t, s)
	if !snap.Following || snap.Leader != 3 {
		t.Fatalf("expected to follow user 3, got %+v", snap)
	}

	pos := recvEvent(t, moved, time.Second)
	if pos.X != 10 || pos.Y != 10 {
		t.Fatalf("leader move callback got %+v, want {10 10}", pos)
	}

	confirmations := rec.ofType(t, protocol.CliFollowConfirmation)
	if len(confirmations) != 1 {
		t.Fatalf("expected exactly one follow confirmation, got %d", len(confirmations))
	}
	var fc protocol.FollowConfirmation
	if err := confirmations[0].DecodePayload(&fc); err != nil {
		t.Fatalf("decoding confirmation: %v", err)
	}
	if fc.Leader != 3 || fc.Follower != 7 {
		t.Fatalf("confirmation %+v, want leader 3 follower 7", fc)
	}
}

func TestBatchOrderingFidelity(t *testing.T) {
	events := make(chan string, 8)
	h := Handlers{
		UserJoined: func(u RemoteUser, _ protocol.Position) { events <- "joined" },
		UserMoved:  func(ev protocol.UserMoved) { events <- "moved" },
	}
	s, _ := newTestSession(t, h, nil)

	joined := mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{UserID: 5, Name: "Bo"})
	movedF := mustSub(t, protocol.SrvUserMoved, protocol.UserMoved{UserID: 5, Position: protocol.Position{X: 2, Y: 2}})

	s.HandleFrame(mustBatch(t, joined, movedF))
	if first := recvEvent(t, events, time.Second); first != "joined" {
		t.Fatalf("want joined first, got %q", first)
	}
	if second := recvEvent(t, events, time.Second); second != "moved" {
		t.Fatalf("want moved second, got %q", second)
	}

	// Reversing the input reverses the emission order identically.
	s.HandleFrame(mustBatch(t, movedF, joined))
	if first := recvEvent(t, events, time.Second); first != "moved" {
		t.Fatalf("want moved first, got %q", first)
	}
	if second := recvEvent(t, events, time.Second); second != "joined" {
		t.Fatalf("want joined second, got %q", second)
	}
}

func TestUserTableJoinLeave(t *testing.T) {
	left := make(chan string, 2)
	h := Handlers{
		UserLeft: func(name string) { left <- name },
	}
	s, _ := newTestSession(t, h, nil)

	s.HandleFrame(mustBatch(t,
		mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{UserID: 5, Name: "Bo"}),
		mustSub(t, protocol.SrvUserLeft, protocol.UserLeft{UserID: 5}),
	))

	if name := recvEvent(t, left, time.Second); name != "Bo" {
		t.Fatalf("userLeft got %q, want Bo", name)
	}
	snap := fence(t, s)
	if len(snap.Users) != 0 {
		t.Fatalf("user table should be empty after leave, got %+v", snap.Users)
	}

	// A leave for an id never joined is a no-op, not a crash, and
	// emits nothing.
	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserLeft, protocol.UserLeft{UserID: 99})))
	fence(t, s)
	recvNoEvent(t, left, 50*time.Millisecond)
}

func TestSelfNeverEntersUserTable(t *testing.T) {
	s, _ := newTestSession(t, Handlers{}, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{UserID: 7, Name: "me"})))

	snap := fence(t, s)
	if len(snap.Users) != 0 {
		t.Fatalf("self id must never enter the user table: %+v", snap.Users)
	}
}

func TestDuplicateRoomJoinedOverwrites(t *testing.T) {
	s, _ := newTestSession(t, Handlers{}, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 8}))

	snap := fence(t, s)
	if snap.SelfID != 8 {
		t.Fatalf("second roomJoined should overwrite, got self id %d", snap.SelfID)
	}
}

func TestFollowFirstRequestWins(t *testing.T) {
	requests := make(chan uint32, 4)
	var s *Session
	h := Handlers{
		FollowRequest: func(from RemoteUser) {
			requests <- from.ID
			s.AcceptFollow(from.ID)
		},
	}
	s, rec := newTestSession(t, h, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.HandleFrame(protocol.MustFrame(protocol.SrvFollowRequest, protocol.FollowRequest{Leader: 3}))
	fence(t, s)
	s.HandleFrame(protocol.MustFrame(protocol.SrvFollowRequest, protocol.FollowRequest{Leader: 4}))

	if id := recvEvent(t, requests, time.Second); id != 3 {
		t.Fatalf("first request from %d, want 3", id)
	}
	snap := fence(t, s)
	if snap.Leader != 3 {
		t.Fatalf("leader changed to %d; first request must win", snap.Leader)
	}
	recvNoEvent(t, requests, 50*time.Millisecond)

	if n := len(rec.ofType(t, protocol.CliFollowConfirmation)); n != 1 {
		t.Fatalf("expected one confirmation, got %d", n)
	}
}

func TestAcceptWhileFollowingKeepsLeader(t *testing.T) {
	s, rec := newTestSession(t, Handlers{}, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.AcceptFollow(3)
	s.AcceptFollow(9)

	snap := fence(t, s)
	if snap.Leader != 3 {
		t.Fatalf("leader is %d, want 3 unchanged", snap.Leader)
	}
	if n := len(rec.ofType(t, protocol.CliFollowConfirmation)); n != 1 {
		t.Fatalf("expected one confirmation, got %d", n)
	}
}

func TestFollowAbortClearsStateRegardlessOfLeader(t *testing.T) {
	aborted := make(chan uint32, 2)
	h := Handlers{
		FollowAbort: func(from RemoteUser) { aborted <- from.ID },
	}
	s, _ := newTestSession(t, h, nil)

	s.HandleFrame(protocol.MustFrame(protocol.SrvRoomJoined, protocol.RoomJoined{CurrentUserID: 7}))
	s.AcceptFollow(3)

	// Abort names a different leader; following stops anyway.
	s.HandleFrame(protocol.MustFrame(protocol.SrvFollowAbort, protocol.FollowAbort{Leader: 4}))

	if id := recvEvent(t, aborted, time.Second); id != 4 {
		t.Fatalf("abort from %d, want 4", id)
	}
	snap := fence(t, s)
	if snap.Following || snap.Leader != 0 {
		t.Fatalf("follow state not cleared: %+v", snap)
	}
}

func TestAcceptFollowBeforeRoomJoinedSendsNothing(t *testing.T) {
	s, rec := newTestSession(t, Handlers{}, nil)

	s.AcceptFollow(3)

	snap := fence(t, s)
	if snap.Following {
		t.Fatalf("must not follow before room joined")
	}
	if n := len(rec.ofType(t, protocol.CliFollowConfirmation)); n != 0 {
		t.Fatalf("malformed confirmation was sent")
	}
}

func TestMoveToSendsPositionAndViewport(t *testing.T) {
	s, rec := newTestSession(t, Handlers{}, nil)

	s.MoveTo(protocol.Position{X: 100, Y: 200, Direction: protocol.DirectionUp, Moving: true})
	fence(t, s)

	moves := rec.ofType(t, protocol.CliUserMoves)
	if len(moves) != 1 {
		t.Fatalf("expected one move command, got %d", len(moves))
	}
	var m protocol.UserMoves
	if err := moves[0].DecodePayload(&m); err != nil {
		t.Fatalf("decoding move: %v", err)
	}
	if m.Position.X != 100 || m.Position.Y != 200 || m.Viewport.Right != 666 || m.Viewport.Bottom != 1536 {
		t.Fatalf("unexpected move command %+v", m)
	}
}

func TestPeerStartSignalAndChatFlow(t *testing.T) {
	factory := &stubFactory{}
	chats := make(chan string, 2)
	h := Handlers{
		ChatMessage: func(from RemoteUser, text string) { chats <- from.Name + ":" + text },
	}
	s, rec := newTestSession(t, h, factory)

	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{UserID: 3, Name: "Ann"})))
	s.HandleFrame(protocol.MustFrame(protocol.SrvWebRTCStart, protocol.WebRTCStart{UserID: 3, Initiator: true}))
	snap := fence(t, s)
	if snap.Peers != 1 {
		t.Fatalf("expected one peer entry, got %d", snap.Peers)
	}

	// An outbound signal from the peer is relayed through the server.
	ev := factory.eventsFor(t, 0)
	ev.Signal([]byte(`{"type":"offer","sdp":"v=0"}`))
	fence(t, s)
	signals := rec.ofType(t, protocol.CliWebRTCSignal)
	if len(signals) != 1 {
		t.Fatalf("expected one relayed signal, got %d", len(signals))
	}
	var sig protocol.WebRTCSignalToServer
	if err := signals[0].DecodePayload(&sig); err != nil {
		t.Fatalf("decoding signal: %v", err)
	}
	if sig.ReceiverID != 3 {
		t.Fatalf("signal addressed to %d, want 3", sig.ReceiverID)
	}

	// Inbound data resolves the sender against the user table.
	ev.Data([]byte(`{"type":"message","message":"hi"}`))
	if got := recvEvent(t, chats, time.Second); got != "Ann:hi" {
		t.Fatalf("chat event %q, want Ann:hi", got)
	}
}

func TestTransportCloseTearsDownPeers(t *testing.T) {
	factory := &stubFactory{}
	closed := make(chan error, 1)
	h := Handlers{
		Closed: func(err error) { closed <- err },
	}
	s, _ := newTestSession(t, h, factory)

	s.HandleFrame(protocol.MustFrame(protocol.SrvWebRTCStart, protocol.WebRTCStart{UserID: 3, Initiator: true}))
	fence(t, s)

	s.HandleClosed(nil)
	recvEvent(t, closed, time.Second)
	<-s.Done()

	factory.mu.Lock()
	defer factory.mu.Unlock()
	if len(factory.created) != 1 || !factory.created[0].closed {
		t.Fatalf("peer not torn down on session close")
	}
}

func TestMalformedAndUnknownFramesIgnored(t *testing.T) {
	joined := make(chan struct{}, 1)
	h := Handlers{
		UserJoined: func(RemoteUser, protocol.Position) { joined <- struct{}{} },
	}
	s, _ := newTestSession(t, h, nil)

	s.HandleFrame([]byte{0xff, 0x13})
	s.HandleFrame(protocol.MustFrame(protocol.MessageType("holographicPresence"), struct{}{}))
	s.HandleFrame(mustBatch(t, mustSub(t, protocol.SrvUserJoined, protocol.UserJoined{UserID: 5, Name: "Bo"})))

	// The garbage before it did not take the session down.
	recvEvent(t, joined, time.Second)
}

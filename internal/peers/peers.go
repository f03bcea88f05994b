// Package peers maintains at most one direct peer connection per remote
// user, created on server demand and torn down on close or error.
// Signaling is always relayed through the server; only the data channel
// is direct.
package peers

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Peer is the narrow surface of one peer-to-peer connection. Signal
// feeds a server-relayed signaling payload in; Send writes to the data
// channel. Implementations report their own events through PeerEvents.
type Peer interface {
	Signal(payload []byte) error
	Send(payload []byte) error
	Close() error
}

// PeerEvents receive asynchronous notifications from a Peer. They may
// be invoked from the peer's transport goroutines; the manager's owner
// is responsible for serializing them back onto its loop.
type PeerEvents struct {
	Signal    func(payload []byte)
	Connected func()
	Data      func(payload []byte)
	Closed    func()
	Failed    func(err error)
}

// Factory creates peers. The production factory is WebRTC-backed;
// tests use a fake.
type Factory interface {
	NewPeer(remoteID uint32, initiator bool, events PeerEvents) (Peer, error)
}

// EventKind tags an Event.
type EventKind int

const (
	EventSignal EventKind = iota
	EventConnected
	EventData
	EventClosed
	EventFailed
)

// Event is an asynchronous peer notification, carried back to the
// owning loop and handed to Deliver.
type Event struct {
	RemoteID uint32
	Kind     EventKind
	Payload  []byte
	Err      error
}

// Callbacks are the manager's outputs, invoked synchronously from the
// owning loop.
type Callbacks struct {
	// SendSignal relays an outbound signaling payload to the remote
	// user through the server.
	SendSignal func(remoteID uint32, signal string)
	// ChatMessage fires for each "message" envelope received on a data
	// channel.
	ChatMessage func(remoteID uint32, text string)
}

type lifecycleState int

const (
	stateConnecting lifecycleState = iota
	stateConnected
)

type entry struct {
	remoteID  uint32
	initiator bool
	state     lifecycleState
	peer      Peer
}

// Manager owns the remote-id -> peer map. All methods must be called
// from a single goroutine; peer events re-enter through emit and are
// routed back via Deliver.
type Manager struct {
	factory Factory
	emit    func(Event)
	cb      Callbacks
	log     *zap.Logger

	entries map[uint32]*entry
}

func NewManager(factory Factory, emit func(Event), cb Callbacks, log *zap.Logger) *Manager {
	return &Manager{
		factory: factory,
		emit:    emit,
		cb:      cb,
		log:     log,
		entries: make(map[uint32]*entry),
	}
}

// Len reports the number of live entries.
func (m *Manager) Len() int { return len(m.entries) }

// Connected reports whether remoteID has an entry that reached the
// connected state.
func (m *Manager) Connected(remoteID uint32) bool {
	e, ok := m.entries[remoteID]
	return ok && e.state == stateConnected
}

// Start creates a connection to remoteID in the given role. Idempotent:
// an existing entry is reused, never duplicated.
func (m *Manager) Start(remoteID uint32, initiator bool) {
	if _, ok := m.entries[remoteID]; ok {
		return
	}
	e := &entry{remoteID: remoteID, initiator: initiator, state: stateConnecting}
	peer, err := m.factory.NewPeer(remoteID, initiator, m.eventsFor(remoteID))
	if err != nil {
		m.log.Error("creating peer failed", zap.Uint32("remote", remoteID), zap.Error(err))
		return
	}
	e.peer = peer
	m.entries[remoteID] = e
	m.log.Debug("peer created",
		zap.Uint32("remote", remoteID),
		zap.Bool("initiator", initiator),
	)
}

// Signal feeds an inbound server-relayed signaling payload into the
// entry for remoteID. An offer for an id with no entry creates a
// responder entry first: the start message and the first signal race
// through the server fan-out and may arrive in either order. Non-offer
// signals for unknown ids are dropped.
func (m *Manager) Signal(remoteID uint32, signal string) {
	if _, ok := m.entries[remoteID]; !ok {
		if signalType(signal) != "offer" {
			m.log.Debug("signal for unknown peer dropped", zap.Uint32("remote", remoteID))
			return
		}
		m.Start(remoteID, false)
	}
	e, ok := m.entries[remoteID]
	if !ok {
		// Start failed and logged already.
		return
	}
	if err := e.peer.Signal([]byte(signal)); err != nil {
		m.log.Warn("peer signal rejected", zap.Uint32("remote", remoteID), zap.Error(err))
	}
}

// SendChat writes a chat envelope to remoteID's data channel. Chat is
// best-effort auxiliary traffic: no entry, no error.
func (m *Manager) SendChat(remoteID uint32, text string) {
	e, ok := m.entries[remoteID]
	if !ok {
		m.log.Debug("chat to user without peer channel dropped", zap.Uint32("remote", remoteID))
		return
	}
	payload, err := json.Marshal(envelope{Type: envelopeMessage, Message: text})
	if err != nil {
		m.log.Error("chat envelope marshal failed", zap.Error(err))
		return
	}
	if err := e.peer.Send(payload); err != nil {
		m.log.Debug("chat send failed", zap.Uint32("remote", remoteID), zap.Error(err))
	}
}

// Deliver routes a peer event that was posted back to the owning loop.
func (m *Manager) Deliver(ev Event) {
	switch ev.Kind {
	case EventSignal:
		if m.cb.SendSignal != nil {
			m.cb.SendSignal(ev.RemoteID, string(ev.Payload))
		}
	case EventConnected:
		if e, ok := m.entries[ev.RemoteID]; ok {
			e.state = stateConnected
			m.log.Debug("peer connected", zap.Uint32("remote", ev.RemoteID))
		}
	case EventData:
		m.handleData(ev.RemoteID, ev.Payload)
	case EventClosed:
		m.remove(ev.RemoteID)
	case EventFailed:
		// One misbehaving peer never affects the session or other
		// peers: log, tear down, forget.
		m.log.Warn("peer failed", zap.Uint32("remote", ev.RemoteID), zap.Error(ev.Err))
		if e, ok := m.entries[ev.RemoteID]; ok {
			_ = e.peer.Close()
		}
		m.remove(ev.RemoteID)
	}
}

// CloseAll tears down every entry. Called when the session closes so no
// peer connection outlives it.
func (m *Manager) CloseAll() {
	for id, e := range m.entries {
		_ = e.peer.Close()
		delete(m.entries, id)
	}
}

func (m *Manager) remove(remoteID uint32) {
	if _, ok := m.entries[remoteID]; ok {
		delete(m.entries, remoteID)
		m.log.Debug("peer removed", zap.Uint32("remote", remoteID))
	}
}

func (m *Manager) handleData(remoteID uint32, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Debug("undecodable peer payload dropped",
			zap.Uint32("remote", remoteID), zap.Error(err))
		return
	}
	// The chat envelope is the only shape this client interprets.
	if env.Type != envelopeMessage {
		return
	}
	if m.cb.ChatMessage != nil {
		m.cb.ChatMessage(remoteID, env.Message)
	}
}

func (m *Manager) eventsFor(remoteID uint32) PeerEvents {
	return PeerEvents{
		Signal:    func(p []byte) { m.emit(Event{RemoteID: remoteID, Kind: EventSignal, Payload: p}) },
		Connected: func() { m.emit(Event{RemoteID: remoteID, Kind: EventConnected}) },
		Data:      func(p []byte) { m.emit(Event{RemoteID: remoteID, Kind: EventData, Payload: p}) },
		Closed:    func() { m.emit(Event{RemoteID: remoteID, Kind: EventClosed}) },
		Failed:    func(err error) { m.emit(Event{RemoteID: remoteID, Kind: EventFailed, Err: err}) },
	}
}

const envelopeMessage = "message"

// envelope is the JSON payload shape on the data channel, shared with
// the browser front end.
type envelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// signalType extracts the "type" discriminant from a signaling payload
// without committing to the rest of its shape.
func signalType(signal string) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(signal), &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Package transport owns the persistent websocket connection to the
// virtual-space server: one read loop delivering frames in arrival
// order, a keepalive ticker, and serialized writes.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	// keepaliveInterval matches the server's idle timeout policy: an
	// empty frame every 20s while the connection is open.
	keepaliveInterval = 20 * time.Second

	writeTimeout = 3 * time.Second
)

// Callbacks are invoked from the session's goroutines: Frame from the
// single read loop (never concurrently), Closed exactly once.
type Callbacks struct {
	Opened func()
	Frame  func(data []byte)
	Closed func(err error)
}

// Session is one duplex connection. It does not reconnect; that policy
// belongs to the caller.
type Session struct {
	conn *websocket.Conn
	cb   Callbacks
	log  *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Options tune a Session. The zero value is production behavior.
type Options struct {
	// Keepalive overrides the keepalive interval. Zero means the
	// default; negative disables keepalives (tests).
	Keepalive time.Duration
}

// Dial connects to url and starts the read and keepalive loops.
// Callbacks.Opened fires before Dial returns.
func Dial(ctx context.Context, url string, cb Callbacks, log *zap.Logger, opts Options) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)

	s := &Session{
		conn: conn,
		cb:   cb,
		log:  log,
		done: make(chan struct{}),
	}

	interval := keepaliveInterval
	if opts.Keepalive != 0 {
		interval = opts.Keepalive
	}

	if s.cb.Opened != nil {
		s.cb.Opened()
	}

	go s.readLoop()
	if interval > 0 {
		go s.keepaliveLoop(interval)
	}
	return s, nil
}

// Send writes one binary frame. Best-effort: sending on a closed
// session is a logged no-op, and write errors are logged and returned
// so critical senders can surface them.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.log.Debug("send on closed transport dropped", zap.Int("bytes", len(data)))
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		s.log.Warn("transport write failed", zap.Error(err))
		return err
	}
	return nil
}

// Close stops the keepalive and closes the connection. Idempotent.
func (s *Session) Close() {
	s.shutdown(nil, true)
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.shutdown(nil, false)
			default:
				s.shutdown(err, false)
			}
			return
		}
		if s.cb.Frame != nil {
			s.cb.Frame(data)
		}
	}
}

func (s *Session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sendKeepalive()
		}
	}
}

// sendKeepalive writes an empty text frame, mirroring the front end's
// ping. Failures are left to the read loop to notice.
func (s *Session) sendKeepalive() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte{}); err != nil {
		s.log.Debug("keepalive write failed", zap.Error(err))
	}
}

func (s *Session) shutdown(err error, local bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })

	if local {
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	} else if err != nil {
		s.log.Warn("transport closed", zap.Error(err))
	}

	if s.cb.Closed != nil {
		s.cb.Closed(err)
	}
}

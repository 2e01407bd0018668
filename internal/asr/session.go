package asr

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// State is the connection state of a session.
type State int

const (
	// StateConnecting covers the time between dial and task-started.
	StateConnecting State = iota
	// StateReady means the upstream acknowledged the task; audio may flow.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transcript is a point-in-time copy of a session's recognition buffers.
type Transcript struct {
	// Partial is the newest unsettled fragment, or "".
	Partial string
	// Finals holds settled fragments in upstream emission order.
	Finals []string
}

// PartialText returns the partial fragment for display.
func (t Transcript) PartialText() string { return t.Partial }

// FinalText joins the final fragments with single spaces.
func (t Transcript) FinalText() string { return strings.Join(t.Finals, " ") }

// Session is one live recognition task. Its buffers are mutated only by its
// own read loop; callers observe them through [Session.Snapshot].
type Session struct {
	ID     string
	TaskID string

	conn     Conn
	log      *slog.Logger
	onEvent  func(EventKind)
	onClosed func()

	mu      sync.Mutex
	state   State
	partial string
	finals  []string
	err     error

	stopping atomic.Bool

	ready      chan struct{} // closed on task-started
	readyOnce  sync.Once
	closed     chan struct{} // closed once state becomes StateClosed
	closedOnce sync.Once
	loopDone   chan struct{} // closed when readLoop returns

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newSession builds an idle session. onClosed runs once, on the goroutine
// that moved the session to [StateClosed]; it must not block.
func newSession(id, taskID string, conn Conn, onEvent func(EventKind), onClosed func()) *Session {
	if onEvent == nil {
		onEvent = func(EventKind) {}
	}
	if onClosed == nil {
		onClosed = func() {}
	}
	return &Session{
		ID:       id,
		TaskID:   taskID,
		conn:     conn,
		log:      slog.With("session_id", id, "task_id", taskID),
		onEvent:  onEvent,
		onClosed: onClosed,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the upstream task failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot copies the recognition buffers.
func (s *Session) Snapshot() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Transcript{
		Partial: s.partial,
		Finals:  append([]string(nil), s.finals...),
	}
}

// start launches the read loop. It must run before any command is written
// so that no early event is missed.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.log.Warn("asr: upstream connection lost", "err", err)
			} else {
				s.log.Debug("asr: upstream connection closed")
			}
			s.markClosed(nil)
			return
		}
		if typ != websocket.MessageText {
			s.log.Debug("asr: ignoring binary frame", "bytes", len(msg))
			continue
		}
		ev, err := ParseEvent(msg)
		if err != nil {
			s.log.Warn("asr: dropping malformed event", "err", err)
			continue
		}
		s.handleEvent(ev)
	}
}

// handleEvent applies one upstream event to the session state.
func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventTaskStarted:
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		s.log.Debug("asr: task started")

	case EventResultGenerated:
		if ev.Heartbeat || ev.Text == "" {
			break
		}
		s.mu.Lock()
		if ev.SentenceEnd {
			s.finals = append(s.finals, ev.Text)
		} else {
			s.partial = ev.Text
		}
		s.mu.Unlock()
		s.log.Debug("asr: result", "final", ev.SentenceEnd, "text", ev.Text)

	case EventTaskFinished:
		s.log.Debug("asr: task finished")
		s.markClosed(nil)

	case EventTaskFailed:
		terr := &TaskError{Code: ev.ErrorCode, Message: ev.ErrorMessage}
		s.log.Warn("asr: task failed", "code", ev.ErrorCode, "message", ev.ErrorMessage)
		s.markClosed(terr)

	default:
		s.log.Debug("asr: ignoring event", "event", string(ev.Kind))
		return
	}
	s.onEvent(ev.Kind)
}

// markClosed moves the session to its terminal state. The first non-nil
// cause is kept.
func (s *Session) markClosed(cause error) {
	s.mu.Lock()
	s.state = StateClosed
	if s.err == nil && cause != nil {
		s.err = cause
	}
	s.mu.Unlock()
	s.closedOnce.Do(func() {
		close(s.closed)
		s.onClosed()
	})
}

// write sends one frame upstream. A failed write closes the session.
func (s *Session) write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if err := s.conn.Write(ctx, typ, p); err != nil {
		s.markClosed(nil)
		return err
	}
	return nil
}

// Close tears the connection down and waits for the read loop to exit. It
// is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed(nil)
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
		}
	})
	return err
}

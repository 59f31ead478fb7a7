package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	}

	return "UNKNOWN"
}

// Transport carries frames to a connected observer. WriteFrame is called from
// the session's writer goroutine only and should apply its own write deadline.
type Transport interface {
	WriteFrame(frame Frame) error
	Close() error
}

// Session is one observer's live channel. It is owned exclusively by the Hub
// for its lifetime.
//
// The outbound queue holds at most one pending frame per vehicle (newest
// wins) and, once the session is active, at most queueCapacity distinct
// vehicles. Overflow across distinct vehicles evicts the oldest-enqueued
// vehicle and flags the session so the observer is told to re-snapshot.
// Enqueueing never blocks the publisher.
type Session struct {
	ID        string
	Principal string

	hub       *Hub
	transport Transport

	queueCapacity int
	idleTimeout   time.Duration

	mutex         sync.Mutex
	state         SessionState
	scope         map[string]struct{}
	pending       map[string]Frame
	order         []string
	lastEnqueued  map[string]uint64
	lastDelivered map[string]uint64
	overflowed    bool
	lastFlush     time.Time

	// refreshMutex serialises whole scope refreshes against each other so
	// two concurrent refreshes cannot interleave their index and scope
	// updates. Held outside mutex, never the other way round.
	refreshMutex sync.Mutex

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, principal string, vehicleIDs []string, transport Transport) *Session {
	scope := map[string]struct{}{}
	for _, vehicleID := range vehicleIDs {
		scope[vehicleID] = struct{}{}
	}

	return &Session{
		ID:        uuid.New().String(),
		Principal: principal,

		hub:       hub,
		transport: transport,

		queueCapacity: hub.config.SessionQueueCapacity,
		idleTimeout:   hub.config.SessionIdleTimeout,

		state:         StateConnecting,
		scope:         scope,
		pending:       map[string]Frame{},
		lastEnqueued:  map[string]uint64{},
		lastDelivered: map[string]uint64{},
		lastFlush:     time.Now(),

		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *Session) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

// Overflowed reports whether the session dropped a distinct vehicle's pending
// frame since the last overflow notification.
func (s *Session) Overflowed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.overflowed
}

func (s *Session) activate() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateConnecting {
		s.state = StateActive
	}
}

// drain stops accepting new frames; the writer flushes what is already
// queued and then closes the session.
func (s *Session) drain() {
	s.mutex.Lock()
	if s.state == StateConnecting || s.state == StateActive {
		s.state = StateDraining
	}
	s.mutex.Unlock()

	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue adds a frame to the outbound queue, coalescing per vehicle. Safe to
// call concurrently with close; enqueues to a closed or draining session are
// no-ops.
func (s *Session) enqueue(frame Frame) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosed || s.state == StateDraining {
		return
	}

	if frame.Type == FrameTypePosition {
		// Scope is checked at delivery time, independent of the hub index.
		if _, ok := s.scope[frame.VehicleID]; !ok {
			return
		}

		if frame.Position.Revision <= s.lastEnqueued[frame.VehicleID] {
			return
		}
		s.lastEnqueued[frame.VehicleID] = frame.Position.Revision
	}

	if _, queued := s.pending[frame.VehicleID]; queued {
		s.pending[frame.VehicleID] = frame

		s.signal()
		return
	}

	// Capacity only binds once the session is live. The handshake snapshot
	// is bounded by the principal's scope and is never dropped, even when it
	// exceeds the steady-state queue capacity.
	if len(s.order) >= s.queueCapacity && s.state != StateConnecting {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, oldest)

		s.overflowed = true
	}

	s.pending[frame.VehicleID] = frame
	s.order = append(s.order, frame.VehicleID)

	s.signal()
}

// next pops the frame that should be written, or false when nothing is
// pending. An overflow notification takes priority over queued frames.
func (s *Session) next() (Frame, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateClosed {
		return Frame{}, false
	}

	if s.overflowed {
		s.overflowed = false

		return OverflowedFrame(), true
	}

	for len(s.order) > 0 {
		vehicleID := s.order[0]
		s.order = s.order[1:]

		frame, ok := s.pending[vehicleID]
		if !ok {
			continue
		}
		delete(s.pending, vehicleID)

		if frame.Type == FrameTypePosition {
			if frame.Position.Revision <= s.lastDelivered[vehicleID] {
				continue
			}
			s.lastDelivered[vehicleID] = frame.Position.Revision
		}

		return frame, true
	}

	return Frame{}, false
}

func (s *Session) queueEmpty() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.order) == 0 && !s.overflowed
}

// scopeDiff reports which of the given vehicles would be added to the current
// scope and which current vehicles would be removed.
func (s *Session) scopeDiff(vehicleIDs []string) (added []string, removed []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	next := map[string]struct{}{}
	for _, vehicleID := range vehicleIDs {
		next[vehicleID] = struct{}{}

		if _, ok := s.scope[vehicleID]; !ok {
			added = append(added, vehicleID)
		}
	}

	for vehicleID := range s.scope {
		if _, ok := next[vehicleID]; !ok {
			removed = append(removed, vehicleID)
		}
	}

	return added, removed
}

func (s *Session) addToScope(vehicleIDs []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, vehicleID := range vehicleIDs {
		s.scope[vehicleID] = struct{}{}
	}
}

func (s *Session) removeFromScope(vehicleID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.scope, vehicleID)
	delete(s.lastEnqueued, vehicleID)

	// The delivery watermark goes too: if the vehicle is ever re-granted,
	// its synthesized snapshot must not be suppressed as a duplicate.
	delete(s.lastDelivered, vehicleID)

	if _, queued := s.pending[vehicleID]; queued {
		delete(s.pending, vehicleID)

		// Release the queue slot as well, otherwise the stale order entry
		// counts against capacity and can flag a phantom overflow.
		for i, queuedVehicleID := range s.order {
			if queuedVehicleID == vehicleID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *Session) scopeCopy() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	vehicleIDs := make([]string, 0, len(s.scope))
	for vehicleID := range s.scope {
		vehicleIDs = append(vehicleIDs, vehicleID)
	}

	return vehicleIDs
}

func (s *Session) markClosed() {
	s.mutex.Lock()
	s.state = StateClosed
	s.pending = map[string]Frame{}
	s.order = nil
	s.mutex.Unlock()

	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.Close()
	})
}

// writeLoop drains the queue to the transport. It runs as one goroutine per
// session so a slow observer only ever delays itself.
func (s *Session) writeLoop() {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-idle.C:
			s.mutex.Lock()
			idleFor := time.Since(s.lastFlush)
			s.mutex.Unlock()

			if idleFor >= s.idleTimeout {
				s.hub.closeSession(s, "idle timeout")
				return
			}

			idle.Reset(s.idleTimeout - idleFor)
			continue
		}

		for {
			frame, ok := s.next()
			if !ok {
				break
			}

			if err := s.transport.WriteFrame(frame); err != nil {
				s.hub.closeSession(s, "transport write failed")
				return
			}

			s.mutex.Lock()
			s.lastFlush = time.Now()
			s.mutex.Unlock()
		}

		if s.State() == StateDraining && s.queueEmpty() {
			s.hub.closeSession(s, "drained")
			return
		}
	}
}

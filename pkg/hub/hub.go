package hub

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/util"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SessionQueueCapacity int
	SessionIdleTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		SessionQueueCapacity: 64,
		SessionIdleTimeout:   5 * time.Minute,
	}
}

// ConfigFromEnvironment applies FLEETGLASS_HUB_* overrides on the defaults.
func ConfigFromEnvironment() Config {
	config := DefaultConfig()

	env := util.GetEnvironmentVariables()

	if env["FLEETGLASS_HUB_QUEUE_CAPACITY"] != "" {
		if n, err := strconv.Atoi(env["FLEETGLASS_HUB_QUEUE_CAPACITY"]); err == nil && n > 0 {
			config.SessionQueueCapacity = n
		}
	}

	if env["FLEETGLASS_HUB_IDLE_TIMEOUT"] != "" {
		if d, err := time.ParseDuration(env["FLEETGLASS_HUB_IDLE_TIMEOUT"]); err == nil && d > 0 {
			config.SessionIdleTimeout = d
		}
	}

	return config
}

// SnapshotSource provides the current records used for the snapshot half of
// the snapshot-then-stream handshake. Implemented by the location store.
type SnapshotSource interface {
	Snapshot(ctx context.Context, vehicleIDs []string) map[string]fleet.LocationRecord
}

// Hub tracks the active observer sessions and fans ChangeEvents out to
// exactly the sessions entitled to see them.
//
// Sessions are indexed by vehicle so publishing one event only touches its
// subscribers. The index has its own lock and each session queue has its own;
// no lock spans both fan-out and delivery, and the two are never nested.
type Hub struct {
	config    Config
	snapshots SnapshotSource

	mutex       sync.RWMutex
	sessions    map[string]*Session
	byPrincipal map[string]map[*Session]struct{}
	byVehicle   map[string]map[*Session]struct{}
}

func NewHub(config Config, snapshots SnapshotSource) *Hub {
	return &Hub{
		config:    config,
		snapshots: snapshots,

		sessions:    map[string]*Session{},
		byPrincipal: map[string]map[*Session]struct{}{},
		byVehicle:   map[string]map[*Session]struct{}{},
	}
}

// Subscribe establishes a session for the principal over the given transport.
// The session is registered in the vehicle index before the snapshot is read,
// so an update racing the handshake lands in the queue; per-vehicle
// coalescing and revision dedupe then guarantee the observer sees exactly the
// newest state with nothing lost.
func (h *Hub) Subscribe(ctx context.Context, principal string, vehicleIDs []string, transport Transport) *Session {
	session := newSession(h, principal, vehicleIDs, transport)

	h.mutex.Lock()
	h.sessions[session.ID] = session

	if h.byPrincipal[principal] == nil {
		h.byPrincipal[principal] = map[*Session]struct{}{}
	}
	h.byPrincipal[principal][session] = struct{}{}

	for _, vehicleID := range vehicleIDs {
		h.indexVehicle(vehicleID, session)
	}
	h.mutex.Unlock()

	for _, record := range h.snapshots.Snapshot(ctx, vehicleIDs) {
		session.enqueue(PositionFrame(record))
	}

	session.activate()

	go session.writeLoop()

	log.Debug().
		Str("session", session.ID).
		Str("principal", principal).
		Int("vehicles", len(vehicleIDs)).
		Msg("Observer session established")

	return session
}

// indexVehicle must be called with h.mutex held for writing.
func (h *Hub) indexVehicle(vehicleID string, session *Session) {
	if h.byVehicle[vehicleID] == nil {
		h.byVehicle[vehicleID] = map[*Session]struct{}{}
	}
	h.byVehicle[vehicleID][session] = struct{}{}
}

// unindexVehicle must be called with h.mutex held for writing.
func (h *Hub) unindexVehicle(vehicleID string, session *Session) {
	subscribers := h.byVehicle[vehicleID]
	if subscribers == nil {
		return
	}

	delete(subscribers, session)
	if len(subscribers) == 0 {
		delete(h.byVehicle, vehicleID)
	}
}

// Publish fans a ChangeEvent out to the sessions subscribed to its vehicle.
// It never blocks on a slow observer and never returns delivery errors to the
// caller; those are local to each session.
func (h *Hub) Publish(event fleet.ChangeEvent) {
	h.mutex.RLock()
	subscribers := make([]*Session, 0, len(h.byVehicle[event.VehicleID]))
	for session := range h.byVehicle[event.VehicleID] {
		subscribers = append(subscribers, session)
	}
	h.mutex.RUnlock()

	frame := PositionFrame(event.Record)

	for _, session := range subscribers {
		session.enqueue(frame)
	}
}

// RefreshScope re-resolves the authorized vehicle set for every live session
// of the principal. Newly visible vehicles get an immediate snapshot frame;
// vehicles that left the scope get a revoked control frame and no further
// events.
func (h *Hub) RefreshScope(ctx context.Context, principal string, vehicleIDs []string) {
	h.mutex.RLock()
	sessions := make([]*Session, 0, len(h.byPrincipal[principal]))
	for session := range h.byPrincipal[principal] {
		sessions = append(sessions, session)
	}
	h.mutex.RUnlock()

	for _, session := range sessions {
		// One refresh at a time per session; the diff below is only valid
		// while no other refresh is mutating the same scope.
		session.refreshMutex.Lock()

		added, removed := session.scopeDiff(vehicleIDs)

		if len(added) > 0 {
			h.mutex.Lock()
			for _, vehicleID := range added {
				h.indexVehicle(vehicleID, session)
			}
			h.mutex.Unlock()

			session.addToScope(added)
		}

		for _, vehicleID := range removed {
			// Dropping the vehicle from the session scope first means a
			// concurrent Publish routed through a stale index entry is
			// rejected at enqueue time.
			session.removeFromScope(vehicleID)

			h.mutex.Lock()
			h.unindexVehicle(vehicleID, session)
			h.mutex.Unlock()

			session.enqueue(RevokedFrame(vehicleID))
		}

		if len(added) > 0 {
			for _, record := range h.snapshots.Snapshot(ctx, added) {
				session.enqueue(PositionFrame(record))
			}
		}

		session.refreshMutex.Unlock()
	}
}

// DropVehicle removes a deleted vehicle from every session, terminating any
// broadcast interest tied to it.
func (h *Hub) DropVehicle(vehicleID string) {
	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.byVehicle[vehicleID]))
	for session := range h.byVehicle[vehicleID] {
		sessions = append(sessions, session)
	}
	delete(h.byVehicle, vehicleID)
	h.mutex.Unlock()

	for _, session := range sessions {
		session.removeFromScope(vehicleID)
		session.enqueue(RevokedFrame(vehicleID))
	}
}

// Drain asks a session to flush its queue and then close.
func (h *Hub) Drain(session *Session) {
	session.drain()
}

// Close tears a session down immediately. Idempotent and safe to call
// concurrently with in-flight deliveries.
func (h *Hub) Close(session *Session) {
	h.closeSession(session, "closed")
}

func (h *Hub) closeSession(session *Session, reason string) {
	scope := session.scopeCopy()

	h.mutex.Lock()
	delete(h.sessions, session.ID)

	if principalSessions := h.byPrincipal[session.Principal]; principalSessions != nil {
		delete(principalSessions, session)
		if len(principalSessions) == 0 {
			delete(h.byPrincipal, session.Principal)
		}
	}

	for _, vehicleID := range scope {
		h.unindexVehicle(vehicleID, session)
	}
	h.mutex.Unlock()

	session.markClosed()

	log.Debug().
		Str("session", session.ID).
		Str("principal", session.Principal).
		Str("reason", reason).
		Msg("Observer session closed")
}

func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.sessions)
}

// Package realtime fans out state-change events to connections grouped in rooms.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	establishmentRoomPrefix = "establishment_"
	inspectionRoomPrefix    = "inspection_"
	defaultBufferSize       = 32
)

var (
	// ErrUnknownConnection indicates that the connection id is not registered.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	// ErrInvalidRoom indicates a room name outside the establishment_<id> and inspection_<id> forms.
	ErrInvalidRoom = errors.New("realtime: invalid room")
	// ErrNotOwner indicates a room change requested by someone other than the actor that
	// opened the connection.
	ErrNotOwner = errors.New("realtime: connection belongs to another actor")
)

// EstablishmentRoom names the room observing an establishment's draft.
func EstablishmentRoom(establishmentID uint64) string {
	return establishmentRoomPrefix + strconv.FormatUint(establishmentID, 10)
}

// InspectionRoom names the room observing one inspection.
func InspectionRoom(inspectionID uint64) string {
	return inspectionRoomPrefix + strconv.FormatUint(inspectionID, 10)
}

// ValidateRoom checks the room name and returns it trimmed.
func ValidateRoom(raw string) (string, error) {
	room := strings.TrimSpace(raw)
	for _, prefix := range []string{establishmentRoomPrefix, inspectionRoomPrefix} {
		suffix, ok := strings.CutPrefix(room, prefix)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil || id == 0 {
			break
		}
		return room, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRoom, raw)
}

// Event is one message delivered to the members of a room.
type Event struct {
	Room string `json:"room"`
	Name string `json:"event"`
	// Sequence increases by one for every event published to the room while it has members.
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub tracks connections and room memberships. Publishing never blocks on a
// subscriber: a connection whose buffer is full is dropped.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*room
	connections map[string]*Subscription
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

type room struct {
	mu       sync.Mutex
	sequence uint64
	members  map[string]*Subscription
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[string]*room),
		connections: make(map[string]*Subscription),
		bufferSize:  bufferSize,
		clock:       clock,
		logger:      logger,
	}
}

// Subscription is one connected observer.
type Subscription struct {
	id     string
	owner  string
	events chan Event

	mu     sync.Mutex
	closed bool

	// rooms is guarded by Hub.mu.
	rooms map[string]struct{}
}

// ID returns the connection id used to join and leave rooms.
func (s *Subscription) ID() string {
	return s.id
}

// Owner returns the actor id that opened the connection.
func (s *Subscription) Owner() string {
	return s.owner
}

// Events is closed once the connection is disconnected or dropped.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) deliver(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Connect registers a connection of the owner actor that belongs to no room yet. The
// connection is removed from every room when ctx is done.
func (h *Hub) Connect(ctx context.Context, owner string) *Subscription {
	subscription := &Subscription{
		id:     uuid.NewString(),
		owner:  owner,
		events: make(chan Event, h.bufferSize),
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.connections[subscription.id] = subscription
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Disconnect(subscription.id)
	}()
	return subscription
}

// Join adds the connection to the room.
func (h *Hub) Join(connectionID, roomName string) error {
	return h.JoinAs("", connectionID, roomName)
}

// JoinAs adds the connection to the room when actorID owns it. An empty actorID skips
// the ownership check.
func (h *Hub) JoinAs(actorID, connectionID, roomName string) error {
	name, err := ValidateRoom(roomName)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subscription, err := h.ownedLocked(actorID, connectionID)
	if err != nil {
		return err
	}
	target, ok := h.rooms[name]
	if !ok {
		target = &room{members: make(map[string]*Subscription)}
		h.rooms[name] = target
	}
	target.mu.Lock()
	target.members[connectionID] = subscription
	target.mu.Unlock()
	subscription.rooms[name] = struct{}{}
	return nil
}

// Leave removes the connection from the room. Leaving a room the connection is not
// in is a no-op.
func (h *Hub) Leave(connectionID, roomName string) error {
	return h.LeaveAs("", connectionID, roomName)
}

// LeaveAs removes the connection from the room when actorID owns it. An empty actorID
// skips the ownership check.
func (h *Hub) LeaveAs(actorID, connectionID, roomName string) error {
	name, err := ValidateRoom(roomName)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subscription, err := h.ownedLocked(actorID, connectionID)
	if err != nil {
		return err
	}
	h.leaveLocked(subscription, name)
	return nil
}

func (h *Hub) ownedLocked(actorID, connectionID string) (*Subscription, error) {
	subscription, ok := h.connections[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	if actorID != "" && subscription.owner != actorID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, connectionID)
	}
	return subscription, nil
}

// Disconnect drops every membership of the connection and closes its event stream.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	subscription, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
		for name := range subscription.rooms {
			h.leaveLocked(subscription, name)
		}
	}
	h.mu.Unlock()
	if ok {
		subscription.shutdown()
	}
}

func (h *Hub) leaveLocked(subscription *Subscription, name string) {
	delete(subscription.rooms, name)
	target, ok := h.rooms[name]
	if !ok {
		return
	}
	target.mu.Lock()
	delete(target.members, subscription.id)
	empty := len(target.members) == 0
	target.mu.Unlock()
	if empty {
		delete(h.rooms, name)
	}
}

// Publish delivers the event to every current member of the room. Events published to
// one room reach each member in publish order. It returns the published event; a room
// without members yields a zero sequence.
func (h *Hub) Publish(roomName, eventName string, payload any) Event {
	event := Event{
		Room:      roomName,
		Name:      eventName,
		Payload:   payload,
		Timestamp: h.clock().UTC(),
	}
	if roomName == "" || eventName == "" {
		return event
	}

	h.mu.RLock()
	target, ok := h.rooms[roomName]
	if !ok {
		h.mu.RUnlock()
		return event
	}
	target.mu.Lock()
	h.mu.RUnlock()

	target.sequence++
	event.Sequence = target.sequence
	var dropped []*Subscription
	for _, member := range target.members {
		if !member.deliver(event) {
			dropped = append(dropped, member)
		}
	}
	target.mu.Unlock()

	for _, member := range dropped {
		h.logger.Warn("realtime subscriber dropped",
			zap.String("connection_id", member.id),
			zap.String("room", roomName),
			zap.String("event", eventName),
		)
		member.shutdown()
		h.Disconnect(member.id)
	}
	return event
}

// Members reports how many connections are in the room.
func (h *Hub) Members(roomName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, ok := h.rooms[roomName]
	if !ok {
		return 0
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return len(target.members)
}

// Connected reports whether the connection id is registered.
func (h *Hub) Connected(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[connectionID]
	return ok
}

// Package router owns the in-memory room state of the media-routing service:
// which participants exist in which room and which transport, producer and
// consumer handles each of them owns. Handles are authorized strictly against
// that ownership index; a client-supplied id is never trusted on its own.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/router/engine"
)

// Room holds one voice channel's participants. All operations against the
// same room are mutually exclusive via its mutex; unrelated rooms never
// contend.
type Room struct {
	id domain.ChannelID

	mu           sync.Mutex
	participants map[domain.ConnectionID]*Participant
	closed       bool
}

// checkOpen guards against a reference obtained before the room was
// destroyed: the registry lookup and the room lock are taken separately, so
// an operation can otherwise register state in a room no longer in the map,
// where no janitor would ever find it. Caller holds the room lock.
func (room *Room) checkOpen() error {
	if room.closed {
		return fmt.Errorf("room %s: %w", room.id, domain.ErrNotFound)
	}
	return nil
}

// Participant is the ownership index for one connected user: the handles a
// caller must present to operate on its media path.
type Participant struct {
	sendTransport string
	recvTransport string
	producer      string
	consumers     map[string]struct{}
	createdAt     time.Time
	connected     bool
}

// RoomInfo is a read-only snapshot entry for observability.
type RoomInfo struct {
	RoomID       domain.ChannelID `json:"roomId"`
	Participants int              `json:"participants"`
}

// Registry maps room ids to rooms. Rooms are created idempotently on first
// join and destroyed the instant their participant map empties.
type Registry struct {
	engine       engine.Engine
	transportTTL time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*Room
}

func NewRegistry(eng engine.Engine, transportTTL time.Duration) *Registry {
	return &Registry{
		engine:       eng,
		transportTTL: transportTTL,
		now:          time.Now,
		rooms:        make(map[domain.ChannelID]*Room),
	}
}

// CreateOrGetRoom transitions Absent -> Active, or returns the existing
// room's capabilities unchanged. Calling it twice never resets participants.
func (r *Registry) CreateOrGetRoom(roomID domain.ChannelID) engine.RTPCapabilities {
	r.mu.RLock()
	_, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return r.engine.Capabilities()
	}

	r.mu.Lock()
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = &Room{
			id:           roomID,
			participants: make(map[domain.ConnectionID]*Participant),
		}
		log.Info().Str("module", "router").Str("room", string(roomID)).Msg("room created")
	}
	r.mu.Unlock()
	return r.engine.Capabilities()
}

func (r *Registry) room(roomID domain.ChannelID) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return room, nil
}

// CreateTransport registers a transport of the given direction under the
// participant, creating the participant entry on first use. A participant has
// at most one transport per direction.
func (r *Registry) CreateTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, direction engine.Direction) (*engine.TransportInfo, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if err := room.checkOpen(); err != nil {
		return nil, err
	}

	p, existed := room.participants[participantID]
	if !existed {
		p = &Participant{
			consumers: make(map[string]struct{}),
			createdAt: r.now(),
		}
		room.participants[participantID] = p
	}

	switch direction {
	case engine.DirectionSend:
		if p.sendTransport != "" {
			return nil, fmt.Errorf("participant %s already has a send transport: %w", participantID, domain.ErrConflict)
		}
	case engine.DirectionRecv:
		if p.recvTransport != "" {
			return nil, fmt.Errorf("participant %s already has a recv transport: %w", participantID, domain.ErrConflict)
		}
	default:
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}

	info, err := r.engine.CreateTransport(ctx, direction)
	if err != nil {
		if !existed && p.sendTransport == "" && p.recvTransport == "" {
			delete(room.participants, participantID)
		}
		return nil, fmt.Errorf("create transport: %w", err)
	}

	if direction == engine.DirectionSend {
		p.sendTransport = info.ID
	} else {
		p.recvTransport = info.ID
	}
	log.Info().Str("module", "router").Str("room", string(roomID)).
		Str("participant", string(participantID)).Str("transport", info.ID).
		Str("direction", string(direction)).Msg("transport created")
	return info, nil
}

// ConnectTransport applies the client's negotiation parameters. Fails with
// Forbidden unless the transport is registered under the calling participant.
func (r *Registry) ConnectTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID string, params engine.ConnectParams) error {
	room, err := r.room(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if err := room.checkOpen(); err != nil {
		return err
	}

	p, ok := room.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s in room %s: %w", participantID, roomID, domain.ErrNotFound)
	}
	if transportID != p.sendTransport && transportID != p.recvTransport {
		return fmt.Errorf("transport %s not owned by participant %s: %w", transportID, participantID, domain.ErrForbidden)
	}
	if err := r.engine.ConnectTransport(ctx, transportID, params); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	p.connected = true
	return nil
}

// Produce starts the participant's outbound stream on its send transport and
// records the resulting producer handle.
func (r *Registry) Produce(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID, kind string, params engine.RTPParameters) (string, error) {
	room, err := r.room(roomID)
	if err != nil {
		return "", err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if err := room.checkOpen(); err != nil {
		return "", err
	}

	p, ok := room.participants[participantID]
	if !ok {
		return "", fmt.Errorf("participant %s in room %s: %w", participantID, roomID, domain.ErrNotFound)
	}
	if p.sendTransport == "" || transportID != p.sendTransport {
		return "", fmt.Errorf("transport %s is not participant %s's send transport: %w", transportID, participantID, domain.ErrForbidden)
	}

	producerID, err := r.engine.Produce(ctx, transportID, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}
	if p.producer != "" {
		r.engine.CloseProducer(p.producer)
	}
	p.producer = producerID
	log.Info().Str("module", "router").Str("room", string(roomID)).
		Str("participant", string(participantID)).Str("producer", producerID).Msg("producer created")
	return producerID, nil
}

// Consume subscribes the participant's recv transport to a producer. The
// producer must exist within this room: handles are never resolved across
// rooms, so cross-room probing yields NotFound before any ownership check.
func (r *Registry) Consume(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, recvTransportID, producerID string, caps engine.RTPCapabilities) (*engine.ConsumerInfo, error) {
	room, err := r.room(roomID)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if err := room.checkOpen(); err != nil {
		return nil, err
	}

	producerInRoom := false
	for _, other := range room.participants {
		if other.producer == producerID {
			producerInRoom = true
			break
		}
	}
	if producerID == "" || !producerInRoom {
		return nil, fmt.Errorf("producer %s in room %s: %w", producerID, roomID, domain.ErrNotFound)
	}

	p, ok := room.participants[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %s in room %s: %w", participantID, roomID, domain.ErrNotFound)
	}
	if p.recvTransport == "" || recvTransportID != p.recvTransport {
		return nil, fmt.Errorf("transport %s is not participant %s's recv transport: %w", recvTransportID, participantID, domain.ErrForbidden)
	}

	info, err := r.engine.Consume(ctx, recvTransportID, producerID, caps)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	p.consumers[info.ID] = struct{}{}
	return info, nil
}

// RemoveParticipant closes everything the participant owns and drops it from
// the room; the room itself is destroyed the moment it empties. Safe to call
// on an unknown participant or room.
func (r *Registry) RemoveParticipant(roomID domain.ChannelID, participantID domain.ConnectionID) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	room.mu.Lock()
	p, ok := room.participants[participantID]
	if ok {
		delete(room.participants, participantID)
		r.closeParticipant(p)
	}
	empty := len(room.participants) == 0
	room.mu.Unlock()

	if ok {
		log.Info().Str("module", "router").Str("room", string(roomID)).
			Str("participant", string(participantID)).Msg("participant removed")
	}
	if empty {
		r.destroyIfEmpty(roomID, room)
	}
}

// CloseRoom force-evicts every participant and destroys the room.
func (r *Registry) CloseRoom(roomID domain.ChannelID) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	room.mu.Lock()
	for id, p := range room.participants {
		r.closeParticipant(p)
		delete(room.participants, id)
	}
	room.closed = true
	room.mu.Unlock()
	log.Info().Str("module", "router").Str("room", string(roomID)).Msg("room closed")
}

// Snapshot lists rooms and their participant counts.
func (r *Registry) Snapshot() []RoomInfo {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		out = append(out, RoomInfo{RoomID: room.id, Participants: len(room.participants)})
		room.mu.Unlock()
	}
	return out
}

// closeParticipant releases engine resources. Caller holds the room lock.
func (r *Registry) closeParticipant(p *Participant) {
	for consumerID := range p.consumers {
		r.engine.CloseConsumer(consumerID)
	}
	if p.producer != "" {
		r.engine.CloseProducer(p.producer)
	}
	if p.sendTransport != "" {
		r.engine.CloseTransport(p.sendTransport)
	}
	if p.recvTransport != "" {
		r.engine.CloseTransport(p.recvTransport)
	}
}

func (r *Registry) destroyIfEmpty(roomID domain.ChannelID, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if current, ok := r.rooms[roomID]; ok && current == room && len(room.participants) == 0 {
		delete(r.rooms, roomID)
		room.closed = true
		log.Info().Str("module", "router").Str("room", string(roomID)).Msg("room destroyed")
	}
}

// RunJanitor reaps participants whose transports were created but never
// connected within the TTL. This is the self-healing path for joins that
// persisted nothing on the signaling side: the remote resources they leaked
// expire here.
func (r *Registry) RunJanitor(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	type stale struct {
		roomID domain.ChannelID
		id     domain.ConnectionID
	}
	cutoff := r.now().Add(-r.transportTTL)

	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	var victims []stale
	for _, room := range rooms {
		room.mu.Lock()
		for id, p := range room.participants {
			if !p.connected && p.createdAt.Before(cutoff) {
				victims = append(victims, stale{roomID: room.id, id: id})
			}
		}
		room.mu.Unlock()
	}
	for _, v := range victims {
		log.Warn().Str("module", "router").Str("room", string(v.roomID)).
			Str("participant", string(v.id)).Msg("reaping idle participant")
		r.RemoveParticipant(v.roomID, v.id)
	}
}

// Package broadcast fans named events out to groups of connections. It is a
// notification primitive, not a delivery guarantee: a slow or broken
// subscriber is logged and skipped, never an error to the publisher.
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/domain"
)

// Sender is one connection's outbound leg. Owned by the transport adapter;
// TrySend must not block.
type Sender interface {
	TrySend([]byte) error
}

// Group name builders. Groups are just strings; these keep the namespaces
// from colliding.
func UserGroup(id domain.UserID) string     { return "user:" + string(id) }
func ServerGroup(id domain.ServerID) string { return "server:" + string(id) }
func VoiceGroup(id domain.ChannelID) string { return "voice:" + string(id) }

type envelope struct {
	Op   string `json:"op"`
	Data any    `json:"data,omitempty"`
}

type Router struct {
	mu     sync.RWMutex
	groups map[string]map[domain.ConnectionID]Sender
}

func NewRouter() *Router {
	return &Router{groups: make(map[string]map[domain.ConnectionID]Sender)}
}

func (r *Router) Subscribe(group string, connID domain.ConnectionID, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[domain.ConnectionID]Sender)
		r.groups[group] = members
	}
	members[connID] = s
}

// Unsubscribe is idempotent; removing an absent subscription is a no-op.
func (r *Router) Unsubscribe(group string, connID domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// UnsubscribeAll drops the connection from every group. Used on disconnect.
func (r *Router) UnsubscribeAll(connID domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for group, members := range r.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
}

// Publish sends the event to every group member and reports how many
// accepted it.
func (r *Router) Publish(group, op string, payload any) int {
	return r.PublishExcept(group, "", op, payload)
}

// PublishExcept skips the originating connection so clients never receive
// echoes of their own state changes.
func (r *Router) PublishExcept(group string, except domain.ConnectionID, op string, payload any) int {
	data, err := json.Marshal(envelope{Op: op, Data: payload})
	if err != nil {
		log.Error().Str("module", "broadcast").Err(err).Str("op", op).Msg("marshal event")
		return 0
	}

	r.mu.RLock()
	snapshot := make(map[domain.ConnectionID]Sender, len(r.groups[group]))
	for connID, s := range r.groups[group] {
		snapshot[connID] = s
	}
	r.mu.RUnlock()

	sent := 0
	for connID, s := range snapshot {
		if connID == except {
			continue
		}
		if err := s.TrySend(data); err != nil {
			log.Warn().Str("module", "broadcast").Err(err).
				Str("group", group).Str("conn", string(connID)).Str("op", op).
				Msg("dropping event for slow subscriber")
			continue
		}
		sent++
	}
	return sent
}

// Package gateway implements the voice signaling protocol: join, transport
// negotiation, produce/consume and leave, over one websocket per client.
// The media-routing service is a remote collaborator; local state is only
// persisted after remote setup succeeds, and local cleanup is idempotent so
// it can run from every failure path.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/treble-chat/voice/internal/broadcast"
	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/identity"
	"github.com/treble-chat/voice/internal/router/engine"
)

// MediaRouter is the remote media-routing collaborator. Every call is a
// blocking step; failures map onto the domain taxonomy.
type MediaRouter interface {
	CreateRoom(ctx context.Context, roomID domain.ChannelID) (engine.RTPCapabilities, error)
	CreateTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, direction engine.Direction) (*engine.TransportInfo, error)
	ConnectTransport(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID string, params engine.ConnectParams) error
	Produce(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID, kind string, params engine.RTPParameters) (string, error)
	Consume(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID, transportID, producerID string, caps engine.RTPCapabilities) (*engine.ConsumerInfo, error)
	RemoveParticipant(ctx context.Context, roomID domain.ChannelID, participantID domain.ConnectionID) error
}

// Sessions is the persisted voice-session store.
type Sessions interface {
	UpsertOnJoin(ctx context.Context, sess domain.VoiceSession) error
	UpdateMuteState(ctx context.Context, userID domain.UserID, muted, deafened bool) (*domain.VoiceSession, error)
	UpdateProducer(ctx context.Context, userID domain.UserID, producerID string) error
	DeleteByUser(ctx context.Context, userID domain.UserID) (*domain.VoiceSession, error)
	DeleteByConnection(ctx context.Context, connID domain.ConnectionID) (*domain.VoiceSession, error)
	FindByUser(ctx context.Context, userID domain.UserID) (*domain.VoiceSession, error)
	ListByChannel(ctx context.Context, channelID domain.ChannelID) ([]domain.VoiceSession, error)
}

// Broadcaster fans events out to named groups of connections.
type Broadcaster interface {
	Subscribe(group string, connID domain.ConnectionID, s broadcast.Sender)
	Unsubscribe(group string, connID domain.ConnectionID)
	UnsubscribeAll(connID domain.ConnectionID)
	PublishExcept(group string, except domain.ConnectionID, op string, payload any) int
}

type Controller struct {
	sessions Sessions
	router   MediaRouter
	bcast    Broadcaster
	members  identity.Membership
	now      func() time.Time
}

func NewController(sessions Sessions, router MediaRouter, bcast Broadcaster, members identity.Membership) *Controller {
	return &Controller{
		sessions: sessions,
		router:   router,
		bcast:    bcast,
		members:  members,
		now:      time.Now,
	}
}

// binding is a connection's channel membership for the lifetime of one join.
// Single-assignment: a join stores a fresh value and leave clears it; nothing
// mutates a binding in place, so a rapid leave/rejoin can never observe state
// from the previous join.
type binding struct {
	channelID     domain.ChannelID
	participantID domain.ConnectionID
}

// client is one signaling connection.
type client struct {
	connID  domain.ConnectionID
	userID  domain.UserID
	send    broadcast.Sender
	binding atomic.Pointer[binding]
}

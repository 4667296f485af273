package gateway

import (
	"errors"

	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/router/engine"
)

// Client-to-server operations. Every message carries an "op" discriminator;
// the remaining fields depend on it.
const (
	opJoin             = "join"
	opConnectTransport = "connect_transport"
	opProduce          = "produce"
	opConsume          = "consume"
	opVoiceState       = "voice_state"
	opLeave            = "leave"
)

// Server-to-client replies and room events.
const (
	evJoined             = "joined"
	evTransportConnected = "transport_connected"
	evProduced           = "produced"
	evConsumed           = "consumed"
	evLeft               = "left"
	evError              = "error"

	evParticipantJoined = "participant_joined"
	evNewProducer       = "new_producer"
	evVoiceStateUpdated = "voice_state_updated"
	evParticipantLeft   = "participant_left"
)

type joinRequest struct {
	ChannelID string `json:"channelId"`
}

type connectTransportRequest struct {
	TransportID string                `json:"transportId"`
	ICE         engine.ICEParameters  `json:"iceParameters"`
	DTLS        engine.DTLSParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	TransportID string               `json:"transportId"`
	RTP         engine.RTPParameters `json:"rtpParameters"`
}

type consumeRequest struct {
	ProducerID   string                 `json:"producerId"`
	TransportID  string                 `json:"transportId"`
	Capabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

type voiceStateRequest struct {
	Muted    bool `json:"isMuted"`
	Deafened bool `json:"isDeafened"`
}

// Member is the view of one participant returned in join responses and
// pushed in room events.
type Member struct {
	UserID        domain.UserID       `json:"userId"`
	ParticipantID domain.ConnectionID `json:"participantId"`
	ProducerID    string              `json:"producerId,omitempty"`
	Muted         bool                `json:"isMuted"`
	Deafened      bool                `json:"isDeafened"`
}

func memberOf(sess domain.VoiceSession) Member {
	return Member{
		UserID:        sess.UserID,
		ParticipantID: sess.ParticipantID,
		ProducerID:    sess.ProducerID,
		Muted:         sess.Muted,
		Deafened:      sess.Deafened,
	}
}

type joinedPayload struct {
	ChannelID     domain.ChannelID       `json:"channelId"`
	Capabilities  engine.RTPCapabilities `json:"rtpCapabilities"`
	SendTransport *engine.TransportInfo  `json:"sendTransport"`
	RecvTransport *engine.TransportInfo  `json:"recvTransport"`
	Members       []Member               `json:"members"`
}

type producerEvent struct {
	ParticipantID domain.ConnectionID `json:"participantId"`
	ProducerID    string              `json:"producerId"`
}

type errorPayload struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrIncompatible):
		return "incompatible"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Package engine wraps the media-transport layer behind a narrow interface.
// The registry and the HTTP surface only ever see opaque handles and the
// parameter structs below; ICE/DTLS mechanics stay inside the pion
// implementation.
package engine

import (
	"context"
	"strings"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type RTPCodec struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPParameters struct {
	MID       string        `json:"mid,omitempty"`
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// ConnectParams is the client half of the transport negotiation. Pion's ICE
// transport needs the remote ufrag/pwd to start, so the connect call carries
// the ICE parameters alongside the DTLS ones.
type ConnectParams struct {
	ICE  ICEParameters  `json:"iceParameters"`
	DTLS DTLSParameters `json:"dtlsParameters"`
}

// TransportInfo describes a freshly created server-side transport: everything
// the client needs to connect to it.
type TransportInfo struct {
	ID         string         `json:"id"`
	Direction  Direction      `json:"direction"`
	ICE        ICEParameters  `json:"iceParameters"`
	Candidates []ICECandidate `json:"iceCandidates"`
	DTLS       DTLSParameters `json:"dtlsParameters"`
}

type ConsumerInfo struct {
	ID         string        `json:"id"`
	ProducerID string        `json:"producerId"`
	Kind       string        `json:"kind"`
	RTP        RTPParameters `json:"rtpParameters"`
}

// Engine is the media-transport collaborator. Handles are opaque; callers are
// responsible for ownership checks, the engine only validates existence and
// codec compatibility.
type Engine interface {
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context, direction Direction) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, params ConnectParams) error
	Produce(ctx context.Context, transportID, kind string, params RTPParameters) (string, error)
	Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (*ConsumerInfo, error)
	CloseTransport(transportID string)
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)
}

// CanConsume reports whether the declared receive capabilities include a
// codec compatible with the producer's encoding.
func CanConsume(caps RTPCapabilities, codec RTPCodec) bool {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) &&
			c.ClockRate == codec.ClockRate &&
			(c.Channels == 0 || codec.Channels == 0 || c.Channels == codec.Channels) {
			return true
		}
	}
	return false
}

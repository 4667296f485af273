package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/domain"
)

// Pion implements Engine on pion's ORTC API: each transport is an ICE
// gatherer + ICE transport + DTLS transport, producers are RTP receivers and
// consumers are RTP senders fed by a relay goroutine.
type Pion struct {
	ctx  context.Context
	api  *webrtc.API
	caps RTPCapabilities

	mu         sync.RWMutex
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
	consumers  map[string]*pionConsumer
}

type pionTransport struct {
	id        string
	direction Direction
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
}

type pionProducer struct {
	id          string
	transportID string
	codec       RTPCodec
	receiver    *webrtc.RTPReceiver
	relay       *relay
}

type pionConsumer struct {
	id         string
	producerID string
	sender     *webrtc.RTPSender
}

func NewPion(ctx context.Context) (*Pion, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	return &Pion{
		ctx: ctx,
		api: api,
		caps: RTPCapabilities{Codecs: []RTPCodec{{
			MimeType:    webrtc.MimeTypeOpus,
			PayloadType: 111,
			ClockRate:   48000,
			Channels:    2,
		}}},
		transports: make(map[string]*pionTransport),
		producers:  make(map[string]*pionProducer),
		consumers:  make(map[string]*pionConsumer),
	}, nil
}

func (e *Pion) Capabilities() RTPCapabilities { return e.caps }

func (e *Pion) CreateTransport(ctx context.Context, direction Direction) (*TransportInfo, error) {
	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &pionTransport{
		id:        uuid.NewString(),
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}
	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	log.Debug().Str("module", "engine").Str("transport", t.id).Str("direction", string(direction)).Msg("transport created")

	info := &TransportInfo{
		ID:        t.id,
		Direction: direction,
		ICE: ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
		},
		DTLS: fromPionDTLS(dtlsParams),
	}
	for _, c := range candidates {
		info.Candidates = append(info.Candidates, ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return info, nil
}

func (e *Pion) ConnectTransport(ctx context.Context, transportID string, params ConnectParams) error {
	t, err := e.transport(transportID)
	if err != nil {
		return err
	}
	if t.connected {
		return nil
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: params.ICE.UsernameFragment,
		Password:         params.ICE.Password,
	}, &role); err != nil {
		return fmt.Errorf("start ice: %w", err)
	}
	if err := t.dtls.Start(toPionDTLS(params.DTLS)); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}

	e.mu.Lock()
	t.connected = true
	e.mu.Unlock()
	log.Debug().Str("module", "engine").Str("transport", transportID).Msg("transport connected")
	return nil
}

func (e *Pion) Produce(ctx context.Context, transportID, kind string, params RTPParameters) (string, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return "", err
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return "", fmt.Errorf("rtp parameters missing codec or encoding")
	}
	codec := params.Codecs[0]

	receiver, err := e.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return "", fmt.Errorf("new rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	relayCtx, cancel := context.WithCancel(e.ctx)
	p := &pionProducer{
		id:          uuid.NewString(),
		transportID: transportID,
		codec:       codec,
		receiver:    receiver,
		relay:       newRelay(receiver.Track(), cancel),
	}
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	logger := log.With().Str("module", "engine").Str("producer", p.id).Logger()
	go p.relay.loop(relayCtx, &logger)

	return p.id, nil
}

func (e *Pion) Consume(ctx context.Context, transportID, producerID string, caps RTPCapabilities) (*ConsumerInfo, error) {
	t, err := e.transport(transportID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrNotFound)
	}
	if !CanConsume(caps, p.codec) {
		return nil, fmt.Errorf("producer %s codec %s: %w", producerID, p.codec.MimeType, domain.ErrIncompatible)
	}

	consumerID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  p.codec.MimeType,
		ClockRate: p.codec.ClockRate,
		Channels:  p.codec.Channels,
	}, "audio-"+consumerID, "voice")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := e.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	c := &pionConsumer{id: consumerID, producerID: producerID, sender: sender}
	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()
	p.relay.addOutTrack(consumerID, newOutTrack(track))

	info := &ConsumerInfo{
		ID:         consumerID,
		ProducerID: producerID,
		Kind:       "audio",
		RTP:        RTPParameters{Codecs: []RTPCodec{p.codec}},
	}
	if len(sendParams.Encodings) > 0 {
		info.RTP.Encodings = []RTPEncoding{{SSRC: uint32(sendParams.Encodings[0].SSRC)}}
	}
	return info, nil
}

func (e *Pion) CloseTransport(transportID string) {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	delete(e.transports, transportID)
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := t.dtls.Stop(); err != nil {
		log.Warn().Str("module", "engine").Err(err).Str("transport", transportID).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Warn().Str("module", "engine").Err(err).Str("transport", transportID).Msg("ice stop")
	}
}

func (e *Pion) CloseProducer(producerID string) {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	delete(e.producers, producerID)
	e.mu.Unlock()
	if !ok {
		return
	}
	p.relay.stop()
	if err := p.receiver.Stop(); err != nil {
		log.Warn().Str("module", "engine").Err(err).Str("producer", producerID).Msg("receiver stop")
	}
}

func (e *Pion) CloseConsumer(consumerID string) {
	e.mu.Lock()
	c, ok := e.consumers[consumerID]
	delete(e.consumers, consumerID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.mu.RLock()
	p, hasProducer := e.producers[c.producerID]
	e.mu.RUnlock()
	if hasProducer {
		p.relay.removeOutTrack(consumerID)
	}
	if err := c.sender.Stop(); err != nil {
		log.Warn().Str("module", "engine").Err(err).Str("consumer", consumerID).Msg("sender stop")
	}
}

func (e *Pion) transport(id string) (*pionTransport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, fmt.Errorf("transport %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func fromPionDTLS(p webrtc.DTLSParameters) DTLSParameters {
	out := DTLSParameters{Role: "auto"}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = "client"
	case webrtc.DTLSRoleServer:
		out.Role = "server"
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toPionDTLS(p DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

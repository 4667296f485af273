package engine

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateDelete
)

// outTrack is one consumer's outgoing leg of a relay.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is trackStateOk
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState {
	return trackState(ot.state.Load())
}

func (ot *outTrack) markDelete() {
	ot.state.Store(int32(trackStateDelete))
}

// relay pumps RTP from one producer's remote track to every consumer track
// subscribed to it. One relay goroutine per producer.
type relay struct {
	src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[string]*outTrack

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		src:       src,
		outTracks: make(map[string]*outTrack),
		cancel:    cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[string]*outTrack, len(r.outTracks))
	r.mu.RLock()
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, consumerID)
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", consumerID).Msg("relay write RTP error, dropping consumer")
				ot.markDelete()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

func (r *relay) addOutTrack(consumerID string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.RLock()
	ot, ok := r.outTracks[consumerID]
	r.mu.RUnlock()
	if ok {
		ot.markDelete()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}

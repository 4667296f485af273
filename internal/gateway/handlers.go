package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/broadcast"
	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/router/engine"
)

type envelope struct {
	Op   string `json:"op"`
	Data any    `json:"data,omitempty"`
}

func (ctl *Controller) reply(c *client, op string, data any) {
	b, err := json.Marshal(envelope{Op: op, Data: data})
	if err != nil {
		log.Error().Str("module", "gateway").Err(err).Str("op", op).Msg("marshal reply")
		return
	}
	if err := c.send.TrySend(b); err != nil {
		log.Warn().Str("module", "gateway").Err(err).Str("conn", string(c.connID)).Str("op", op).Msg("reply dropped")
	}
}

func (ctl *Controller) replyErr(c *client, op string, err error) {
	log.Info().Str("module", "gateway").Str("conn", string(c.connID)).
		Str("op", op).Str("code", errCode(err)).Err(err).Msg("request failed")
	ctl.reply(c, evError, errorPayload{Op: op, Code: errCode(err), Message: err.Error()})
}

func (ctl *Controller) handleMessage(ctx context.Context, c *client, data []byte) {
	var env struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "gateway").Err(err).Str("conn", string(c.connID)).Msg("bad json")
		return
	}

	switch env.Op {
	case opJoin:
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.replyErr(c, opJoin, fmt.Errorf("bad join payload: %w", err))
			return
		}
		ctl.handleJoin(ctx, c, domain.ChannelID(req.ChannelID))
	case opConnectTransport:
		var req connectTransportRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.replyErr(c, opConnectTransport, fmt.Errorf("bad connect payload: %w", err))
			return
		}
		ctl.handleConnectTransport(ctx, c, req)
	case opProduce:
		var req produceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.replyErr(c, opProduce, fmt.Errorf("bad produce payload: %w", err))
			return
		}
		ctl.handleProduce(ctx, c, req)
	case opConsume:
		var req consumeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.replyErr(c, opConsume, fmt.Errorf("bad consume payload: %w", err))
			return
		}
		ctl.handleConsume(ctx, c, req)
	case opVoiceState:
		var req voiceStateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ctl.replyErr(c, opVoiceState, fmt.Errorf("bad voice state payload: %w", err))
			return
		}
		ctl.handleVoiceState(ctx, c, req)
	case opLeave:
		ctl.handleLeave(ctx, c)
	default:
		log.Warn().Str("module", "gateway").Str("conn", string(c.connID)).Str("op", env.Op).Msg("unknown op")
	}
}

// handleJoin runs the join sequence. Ordering is the whole point: all remote
// media setup happens first, the session row is persisted only after every
// remote call succeeded, and the subscription plus member snapshot are taken
// before the join is announced. No client is ever told about a participant
// that is not reachable.
func (ctl *Controller) handleJoin(ctx context.Context, c *client, channelID domain.ChannelID) {
	if channelID == "" {
		ctl.replyErr(c, opJoin, fmt.Errorf("channel id required: %w", domain.ErrNotFound))
		return
	}
	ok, err := ctl.members.IsMember(ctx, c.userID, channelID)
	if err != nil {
		ctl.replyErr(c, opJoin, fmt.Errorf("membership check: %w: %w", err, domain.ErrUnavailable))
		return
	}
	if !ok {
		ctl.replyErr(c, opJoin, fmt.Errorf("user %s is not a member of channel %s: %w", c.userID, channelID, domain.ErrForbidden))
		return
	}

	// Switching channels: run the full leave sequence for the old session,
	// including the remote removal, before any new setup. A session held by
	// a different connection is left alone; the upsert below rejects that
	// case atomically. If the teardown cannot even delete the old row, the
	// join must not proceed: the upsert would move the row to the new
	// channel while the old room's remote participant stays alive.
	if prev, err := ctl.sessions.FindByUser(ctx, c.userID); err != nil {
		ctl.replyErr(c, opJoin, fmt.Errorf("session lookup: %w", err))
		return
	} else if prev != nil && prev.ConnectionID == c.connID {
		if err := ctl.leave(ctx, c); err != nil {
			ctl.replyErr(c, opJoin, fmt.Errorf("previous session teardown: %w: %w", err, domain.ErrUnavailable))
			return
		}
	}

	caps, err := ctl.router.CreateRoom(ctx, channelID)
	if err != nil {
		ctl.replyErr(c, opJoin, err)
		return
	}
	sendTransport, err := ctl.router.CreateTransport(ctx, channelID, c.connID, engine.DirectionSend)
	if err != nil {
		ctl.replyErr(c, opJoin, err)
		return
	}
	recvTransport, err := ctl.router.CreateTransport(ctx, channelID, c.connID, engine.DirectionRecv)
	if err != nil {
		ctl.replyErr(c, opJoin, err)
		return
	}

	sess := domain.VoiceSession{
		ID:            uuid.NewString(),
		UserID:        c.userID,
		ChannelID:     channelID,
		ConnectionID:  c.connID,
		ParticipantID: c.connID,
		JoinedAt:      ctl.now().UTC(),
	}
	if err := ctl.sessions.UpsertOnJoin(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The remote transports just created would leak until the
			// router's idle reaper finds them; shrink the window.
			if rerr := ctl.router.RemoveParticipant(ctx, channelID, c.connID); rerr != nil {
				log.Warn().Str("module", "gateway").Err(rerr).
					Str("room", string(channelID)).Str("participant", string(c.connID)).
					Msg("best-effort removal after join conflict failed")
			}
		}
		ctl.replyErr(c, opJoin, err)
		return
	}

	c.binding.Store(&binding{channelID: channelID, participantID: c.connID})

	group := broadcast.VoiceGroup(channelID)
	ctl.bcast.Subscribe(group, c.connID, c.send)

	others, err := ctl.sessions.ListByChannel(ctx, channelID)
	if err != nil {
		// Replying with an empty member list would misrepresent room
		// occupancy; tear the join back down instead. leave is idempotent
		// and handles the just-persisted row.
		if lerr := ctl.leave(ctx, c); lerr != nil {
			log.Error().Str("module", "gateway").Err(lerr).Str("conn", string(c.connID)).Msg("teardown after snapshot failure")
		}
		ctl.replyErr(c, opJoin, fmt.Errorf("member snapshot: %w: %w", err, domain.ErrUnavailable))
		return
	}
	members := make([]Member, 0, len(others))
	for _, other := range others {
		if other.UserID == c.userID {
			continue
		}
		members = append(members, memberOf(other))
	}

	ctl.reply(c, evJoined, joinedPayload{
		ChannelID:     channelID,
		Capabilities:  caps,
		SendTransport: sendTransport,
		RecvTransport: recvTransport,
		Members:       members,
	})
	ctl.bcast.PublishExcept(group, c.connID, evParticipantJoined, memberOf(sess))
	log.Info().Str("module", "gateway").Str("conn", string(c.connID)).
		Str("user", string(c.userID)).Str("channel", string(channelID)).Msg("joined voice channel")
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, c *client, req connectTransportRequest) {
	b := c.binding.Load()
	if b == nil {
		ctl.replyErr(c, opConnectTransport, fmt.Errorf("not in a voice channel: %w", domain.ErrNotFound))
		return
	}
	err := ctl.router.ConnectTransport(ctx, b.channelID, b.participantID, req.TransportID,
		engine.ConnectParams{ICE: req.ICE, DTLS: req.DTLS})
	if err != nil {
		ctl.replyErr(c, opConnectTransport, err)
		return
	}
	ctl.reply(c, evTransportConnected, map[string]string{"transportId": req.TransportID})
}

func (ctl *Controller) handleProduce(ctx context.Context, c *client, req produceRequest) {
	b := c.binding.Load()
	if b == nil {
		ctl.replyErr(c, opProduce, fmt.Errorf("not in a voice channel: %w", domain.ErrNotFound))
		return
	}
	producerID, err := ctl.router.Produce(ctx, b.channelID, b.participantID, req.TransportID, "audio", req.RTP)
	if err != nil {
		ctl.replyErr(c, opProduce, err)
		return
	}
	if err := ctl.sessions.UpdateProducer(ctx, c.userID, producerID); err != nil {
		// Session vanished mid-produce (rapid leave); later joiners just
		// won't discover the producer, which the remote removal also closes.
		log.Warn().Str("module", "gateway").Err(err).Str("user", string(c.userID)).Msg("producer not recorded")
	}
	ctl.reply(c, evProduced, map[string]string{"producerId": producerID})
	ctl.bcast.PublishExcept(broadcast.VoiceGroup(b.channelID), c.connID, evNewProducer,
		producerEvent{ParticipantID: b.participantID, ProducerID: producerID})
}

func (ctl *Controller) handleConsume(ctx context.Context, c *client, req consumeRequest) {
	b := c.binding.Load()
	if b == nil {
		ctl.replyErr(c, opConsume, fmt.Errorf("not in a voice channel: %w", domain.ErrNotFound))
		return
	}
	info, err := ctl.router.Consume(ctx, b.channelID, b.participantID, req.TransportID, req.ProducerID, req.Capabilities)
	if err != nil {
		ctl.replyErr(c, opConsume, err)
		return
	}
	ctl.reply(c, evConsumed, info)
}

// handleVoiceState is silently ignored without an active session: a stray
// update racing a leave is not a failure.
func (ctl *Controller) handleVoiceState(ctx context.Context, c *client, req voiceStateRequest) {
	sess, err := ctl.sessions.UpdateMuteState(ctx, c.userID, req.Muted, req.Deafened)
	if err != nil {
		ctl.replyErr(c, opVoiceState, err)
		return
	}
	if sess == nil {
		return
	}
	ctl.bcast.PublishExcept(broadcast.VoiceGroup(sess.ChannelID), c.connID, evVoiceStateUpdated, memberOf(*sess))
}

func (ctl *Controller) handleLeave(ctx context.Context, c *client) {
	if err := ctl.leave(ctx, c); err != nil {
		ctl.replyErr(c, opLeave, fmt.Errorf("leave: %w: %w", err, domain.ErrUnavailable))
		return
	}
	ctl.reply(c, evLeft, nil)
}

// leave deletes the session row, unsubscribes, removes the remote
// participant and announces the departure, in that order. Keyed on the raw
// connection handle so it works identically from the explicit leave path and
// from disconnect cleanup, and is a no-op when nothing was persisted. A
// failed delete leaves the session fully intact and reports the error so
// callers can refuse to move on.
func (ctl *Controller) leave(ctx context.Context, c *client) error {
	deleted, err := ctl.sessions.DeleteByConnection(ctx, c.connID)
	if err != nil {
		log.Error().Str("module", "gateway").Err(err).Str("conn", string(c.connID)).Msg("session delete failed")
		return fmt.Errorf("session delete: %w", err)
	}
	c.binding.Store(nil)
	if deleted == nil {
		return nil
	}

	group := broadcast.VoiceGroup(deleted.ChannelID)
	ctl.bcast.Unsubscribe(group, c.connID)
	if err := ctl.router.RemoveParticipant(ctx, deleted.ChannelID, deleted.ParticipantID); err != nil {
		// Tolerated: the router's idle cleanup reaps the participant.
		log.Warn().Str("module", "gateway").Err(err).
			Str("room", string(deleted.ChannelID)).Str("participant", string(deleted.ParticipantID)).
			Msg("remote participant removal failed")
	}
	ctl.bcast.PublishExcept(group, c.connID, evParticipantLeft, memberOf(*deleted))
	log.Info().Str("module", "gateway").Str("conn", string(c.connID)).
		Str("user", string(deleted.UserID)).Str("channel", string(deleted.ChannelID)).Msg("left voice channel")
	return nil
}

// onDisconnect runs when the connection drops, with or without a prior
// explicit leave, and never depends on identity re-resolution. Disconnect
// cleanup after an aborted join is a no-op because the join persisted
// nothing.
func (ctl *Controller) onDisconnect(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ctl.leave(ctx, c)
	ctl.bcast.UnsubscribeAll(c.connID)
}

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/treble-chat/voice/internal/domain"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "voice.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSession(user, channel, conn string) domain.VoiceSession {
	return domain.VoiceSession{
		ID:            "sess-" + user + "-" + conn,
		UserID:        domain.UserID(user),
		ChannelID:     domain.ChannelID(channel),
		ConnectionID:  domain.ConnectionID(conn),
		ParticipantID: domain.ConnectionID(conn),
		JoinedAt:      time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestUpsertOnJoinRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.FindByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil {
		t.Fatal("expected a session")
	}
	if got.ChannelID != "c1" {
		t.Fatalf("channel = %q, want %q", got.ChannelID, "c1")
	}
	if got.ConnectionID != "conn-1" {
		t.Fatalf("connection = %q, want %q", got.ConnectionID, "conn-1")
	}
}

func TestUpsertOnJoinConflictsAcrossConnections(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	err := store.UpsertOnJoin(ctx, testSession("alice", "c2", "conn-2"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The original session is untouched.
	got, err := store.FindByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ChannelID != "c1" || got.ConnectionID != "conn-1" {
		t.Fatalf("session mutated by rejected join: %+v", got)
	}
}

func TestUpsertOnJoinSameConnectionReplaces(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpdateProducer(ctx, "alice", "prod-1"); err != nil {
		t.Fatalf("update producer: %v", err)
	}

	// Same connection switching channels: replace, and the producer handle
	// from the old channel must not leak into the new session.
	if err := store.UpsertOnJoin(ctx, testSession("alice", "c2", "conn-1")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := store.FindByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ChannelID != "c2" {
		t.Fatalf("channel = %q, want %q", got.ChannelID, "c2")
	}
	if got.ProducerID != "" {
		t.Fatalf("producer = %q, want empty", got.ProducerID)
	}
}

func TestConcurrentJoinsExactlyOneWins(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := domain.ConnectionID([]string{"conn-a", "conn-b", "conn-c", "conn-d", "conn-e", "conn-f", "conn-g", "conn-h"}[i])
			sess := testSession("bob", "c1", string(conn))
			errs[i] = store.UpsertOnJoin(ctx, sess)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}

	sessions, err := store.ListByChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
}

func TestDeleteByConnectionIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	deleted, err := store.DeleteByConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if deleted == nil || deleted.UserID != "alice" {
		t.Fatalf("deleted = %+v, want alice's session", deleted)
	}

	deleted, err = store.DeleteByConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted != nil {
		t.Fatalf("second delete returned %+v, want nil", deleted)
	}
}

func TestDeleteByUserReturnsSession(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if deleted, err := store.DeleteByUser(ctx, "ghost"); err != nil || deleted != nil {
		t.Fatalf("delete absent = (%+v, %v), want (nil, nil)", deleted, err)
	}

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	deleted, err := store.DeleteByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted == nil || deleted.ChannelID != "c1" {
		t.Fatalf("deleted = %+v, want session in c1", deleted)
	}
}

func TestUpdateMuteState(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	// No session: nil result, no error.
	got, err := store.UpdateMuteState(ctx, "alice", true, false)
	if err != nil || got != nil {
		t.Fatalf("update absent = (%+v, %v), want (nil, nil)", got, err)
	}

	if err := store.UpsertOnJoin(ctx, testSession("alice", "c1", "conn-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = store.UpdateMuteState(ctx, "alice", true, true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got == nil || !got.Muted || !got.Deafened {
		t.Fatalf("got = %+v, want muted and deafened", got)
	}
}

func TestListByChannelExcludesOtherChannels(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	for i, user := range []string{"alice", "bob", "carol"} {
		channel := "c1"
		if user == "carol" {
			channel = "c2"
		}
		sess := testSession(user, channel, "conn-"+user)
		sess.JoinedAt = sess.JoinedAt.Add(time.Duration(i) * time.Second)
		if err := store.UpsertOnJoin(ctx, sess); err != nil {
			t.Fatalf("upsert %s: %v", user, err)
		}
	}

	sessions, err := store.ListByChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].UserID != "alice" || sessions[1].UserID != "bob" {
		t.Fatalf("order = [%s %s], want [alice bob]", sessions[0].UserID, sessions[1].UserID)
	}

	n, err := store.CountByChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestUpdateProducerRequiresSession(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	err := store.UpdateProducer(ctx, "ghost", "prod-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChannelMembership(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	ok, err := store.IsMember(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if ok {
		t.Fatal("alice should not be a member yet")
	}

	if err := store.AddMember(ctx, "c1", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.AddMember(ctx, "c1", "alice"); err != nil {
		t.Fatalf("duplicate add member: %v", err)
	}

	ok, err = store.IsMember(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if !ok {
		t.Fatal("alice should be a member")
	}
}

// Package session persists voice sessions in SQLite. The UNIQUE(user_id)
// index is the only cross-connection synchronization primitive on the
// signaling side; conflicts surface at the storage layer, never via a
// read-then-write check.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/treble-chat/voice/internal/domain"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	channel_id TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	producer_id TEXT NOT NULL DEFAULT '',
	is_muted INTEGER NOT NULL DEFAULT 0,
	is_deafened INTEGER NOT NULL DEFAULT 0,
	joined_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_channel ON voice_sessions(channel_id);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_connection ON voice_sessions(connection_id);
CREATE TABLE IF NOT EXISTS channel_members (
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);
`

// Store persists voice sessions and channel membership in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// UpsertOnJoin inserts the session, replacing a previous row only when it
// belongs to the same connection. A row held by a different connection means
// a concurrent join by the same identity raced ahead: the insert is rejected
// with ErrConflict and the existing row is left untouched. The conflict
// resolution happens inside one statement so two simultaneous joins can never
// both succeed against a stale read.
func (s *Store) UpsertOnJoin(ctx context.Context, sess domain.VoiceSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO voice_sessions (id, user_id, channel_id, connection_id, participant_id, producer_id, is_muted, is_deafened, joined_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			id = excluded.id,
			channel_id = excluded.channel_id,
			participant_id = excluded.participant_id,
			producer_id = '',
			is_muted = excluded.is_muted,
			is_deafened = excluded.is_deafened,
			joined_at = excluded.joined_at
		WHERE voice_sessions.connection_id = excluded.connection_id`,
		sess.ID, string(sess.UserID), string(sess.ChannelID), string(sess.ConnectionID),
		string(sess.ParticipantID), boolToInt(sess.Muted), boolToInt(sess.Deafened), toMillis(sess.JoinedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session for user %s: %w", sess.UserID, domain.ErrConflict)
		}
		return fmt.Errorf("insert voice session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert voice session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session for user %s held by another connection: %w", sess.UserID, domain.ErrConflict)
	}
	return nil
}

// UpdateMuteState sets the mute/deafen flags and returns the updated session,
// or nil when the user has no active session (not an error: a stray update
// after leaving is ignored by the caller).
func (s *Store) UpdateMuteState(ctx context.Context, userID domain.UserID, muted, deafened bool) (*domain.VoiceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE voice_sessions SET is_muted = ?, is_deafened = ? WHERE user_id = ?`,
		boolToInt(muted), boolToInt(deafened), string(userID))
	if err != nil {
		return nil, fmt.Errorf("update mute state: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return nil, err
	}
	return s.FindByUser(ctx, userID)
}

// UpdateProducer records the producer handle on the user's session so later
// joiners can discover and consume it.
func (s *Store) UpdateProducer(ctx context.Context, userID domain.UserID, producerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE voice_sessions SET producer_id = ? WHERE user_id = ?`,
		producerID, string(userID))
	if err != nil {
		return fmt.Errorf("update producer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update producer: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no session for user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// DeleteByUser removes the user's session and returns it, or nil when no
// session existed.
func (s *Store) DeleteByUser(ctx context.Context, userID domain.UserID) (*domain.VoiceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.FindByUser(ctx, userID)
	if err != nil || sess == nil {
		return nil, err
	}
	// The id predicate keeps the delete a no-op if the row was replaced
	// between the read and the delete.
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM voice_sessions WHERE id = ?`, sess.ID); err != nil {
		return nil, fmt.Errorf("delete voice session: %w", err)
	}
	return sess, nil
}

// DeleteByConnection removes the session bound to a connection handle using
// only that handle, bypassing identity lookup. Idempotent: a handle with no
// matching row returns (nil, nil), because disconnect cleanup may run after
// an already-completed explicit leave.
func (s *Store) DeleteByConnection(ctx context.Context, connID domain.ConnectionID) (*domain.VoiceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.findByConnection(ctx, connID)
	if err != nil || sess == nil {
		return nil, err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM voice_sessions WHERE id = ?`, sess.ID); err != nil {
		return nil, fmt.Errorf("delete voice session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, user_id, channel_id, connection_id, participant_id, producer_id, is_muted, is_deafened, joined_at`

// FindByUser returns the user's session, or nil when none exists.
func (s *Store) FindByUser(ctx context.Context, userID domain.UserID) (*domain.VoiceSession, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM voice_sessions WHERE user_id = ?`, string(userID))
	return scanSession(row)
}

func (s *Store) findByConnection(ctx context.Context, connID domain.ConnectionID) (*domain.VoiceSession, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM voice_sessions WHERE connection_id = ?`, string(connID))
	return scanSession(row)
}

// ListByChannel returns every session in a channel ordered by join time.
func (s *Store) ListByChannel(ctx context.Context, channelID domain.ChannelID) ([]domain.VoiceSession, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM voice_sessions WHERE channel_id = ? ORDER BY joined_at`, string(channelID))
	if err != nil {
		return nil, fmt.Errorf("list voice sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.VoiceSession
	for rows.Next() {
		var (
			sess              domain.VoiceSession
			user, channel     string
			conn, participant string
			muted, deafened   int
			joinedAt          int64
		)
		if err := rows.Scan(&sess.ID, &user, &channel, &conn, &participant, &sess.ProducerID, &muted, &deafened, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan voice session: %w", err)
		}
		sess.UserID = domain.UserID(user)
		sess.ChannelID = domain.ChannelID(channel)
		sess.ConnectionID = domain.ConnectionID(conn)
		sess.ParticipantID = domain.ConnectionID(participant)
		sess.Muted = muted != 0
		sess.Deafened = deafened != 0
		sess.JoinedAt = fromMillis(joinedAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountByChannel reports how many sessions a channel currently holds.
func (s *Store) CountByChannel(ctx context.Context, channelID domain.ChannelID) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_sessions WHERE channel_id = ?`, string(channelID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count voice sessions: %w", err)
	}
	return n, nil
}

// AddMember records channel membership. Duplicate inserts are ignored.
func (s *Store) AddMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_members (channel_id, user_id) VALUES (?, ?)`,
		string(channelID), string(userID))
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

// IsMember reports whether the user may join the channel.
func (s *Store) IsMember(ctx context.Context, userID domain.UserID, channelID domain.ChannelID) (bool, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		string(channelID), string(userID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check channel member: %w", err)
	}
	return n > 0, nil
}

func scanSession(row *sql.Row) (*domain.VoiceSession, error) {
	var (
		sess              domain.VoiceSession
		user, channel     string
		conn, participant string
		muted, deafened   int
		joinedAt          int64
	)
	err := row.Scan(&sess.ID, &user, &channel, &conn, &participant, &sess.ProducerID, &muted, &deafened, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan voice session: %w", err)
	}
	sess.UserID = domain.UserID(user)
	sess.ChannelID = domain.ChannelID(channel)
	sess.ConnectionID = domain.ConnectionID(conn)
	sess.ParticipantID = domain.ConnectionID(participant)
	sess.Muted = muted != 0
	sess.Deafened = deafened != 0
	sess.JoinedAt = fromMillis(joinedAt)
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

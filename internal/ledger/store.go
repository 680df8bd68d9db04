// Package ledger is a development stand-in for the remote ledger runtime. It
// keeps profiles and channel memberships in SQLite and serves them, with push
// signals, over the WebSocket wire protocol.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"burnerchat/internal/ledger/migrations"
	"burnerchat/pkg/burner"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrProfileNotFound reports an update of an agent that never created a profile.
var ErrProfileNotFound = errors.New("ledger: profile not found")

// Store persists ledger state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	return s.sqlDB.Close()
}

// PutProfile stores author's entry. With mustExist, an author without a
// stored profile fails with ErrProfileNotFound.
func (s *Store) PutProfile(ctx context.Context, author burner.IdentityKey, nickname string, entry []byte, mustExist bool) error {
	if author.IsZero() {
		return fmt.Errorf("put profile: empty author: %w", burner.ErrInvalidArgument)
	}
	if entry == nil {
		entry = []byte{}
	}
	updatedAt := toMillis(s.now())

	if mustExist {
		result, err := s.sqlDB.ExecContext(ctx,
			`UPDATE profiles SET nickname = ?, nickname_folded = ?, entry = ?, updated_at = ? WHERE author = ?`,
			nickname, fold(nickname), entry, updatedAt, author.String(),
		)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update profile rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("update profile %s: %w", author, ErrProfileNotFound)
		}
		return nil
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO profiles (author, nickname, nickname_folded, entry, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(author) DO UPDATE SET
		   nickname = excluded.nickname,
		   nickname_folded = excluded.nickname_folded,
		   entry = excluded.entry,
		   updated_at = excluded.updated_at`,
		author.String(), nickname, fold(nickname), entry, updatedAt,
	); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}

	return nil
}

// GetProfile returns author's envelope, or nil when there is none.
func (s *Store) GetProfile(ctx context.Context, author burner.IdentityKey) (*burner.Envelope, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT author, entry, updated_at FROM profiles WHERE author = ?`,
		author.String(),
	)
	envelope, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	return &envelope, nil
}

// GetProfiles returns envelopes for the authors that have one, in request order.
func (s *Store) GetProfiles(ctx context.Context, authors []burner.IdentityKey) ([]burner.Envelope, error) {
	envelopes := make([]burner.Envelope, 0, len(authors))
	for _, author := range authors {
		envelope, err := s.GetProfile(ctx, author)
		if err != nil {
			return nil, err
		}
		if envelope != nil {
			envelopes = append(envelopes, *envelope)
		}
	}

	return envelopes, nil
}

// SearchProfiles returns envelopes whose nickname starts with prefix, ignoring case.
func (s *Store) SearchProfiles(ctx context.Context, prefix string) ([]burner.Envelope, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT author, entry, updated_at FROM profiles
		 WHERE nickname_folded LIKE ? ESCAPE '\'
		 ORDER BY nickname_folded, author`,
		escapeLike(fold(prefix))+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()

	envelopes := make([]burner.Envelope, 0)
	for rows.Next() {
		envelope, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("search profiles: %w", err)
		}
		envelopes = append(envelopes, envelope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}

	return envelopes, nil
}

// JoinChannel upserts agent's membership in channel.
func (s *Store) JoinChannel(ctx context.Context, channel burner.ChannelID, agent burner.IdentityKey, username string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO channel_members (channel, agent, username, joined_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, agent) DO UPDATE SET username = excluded.username`,
		string(channel), agent.String(), username, toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("join channel: %w", err)
	}

	return nil
}

// ChannelMembers lists channel's members in join order.
func (s *Store) ChannelMembers(ctx context.Context, channel burner.ChannelID) ([]burner.Member, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT agent, username FROM channel_members WHERE channel = ? ORDER BY joined_at, agent`,
		string(channel),
	)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()

	members := make([]burner.Member, 0)
	for rows.Next() {
		var agentText, username string
		if err := rows.Scan(&agentText, &username); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		agent, err := burner.ParseIdentityKey(agentText)
		if err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, burner.Member{Agent: agent, Username: username})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}

	return members, nil
}

// IsMember reports whether agent belongs to channel.
func (s *Store) IsMember(ctx context.Context, channel burner.ChannelID, agent burner.IdentityKey) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM channel_members WHERE channel = ? AND agent = ?`,
		string(channel), agent.String(),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}

	return true, nil
}

// BurnChannel deletes every membership of channel and returns the removed members.
func (s *Store) BurnChannel(ctx context.Context, channel burner.ChannelID) ([]burner.Member, error) {
	members, err := s.ChannelMembers(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("burn channel: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel = ?`,
		string(channel),
	); err != nil {
		return nil, fmt.Errorf("burn channel: %w", err)
	}

	return members, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (burner.Envelope, error) {
	var (
		authorText string
		entry      []byte
		updatedAt  int64
	)
	if err := row.Scan(&authorText, &entry, &updatedAt); err != nil {
		return burner.Envelope{}, err
	}
	author, err := burner.ParseIdentityKey(authorText)
	if err != nil {
		return burner.Envelope{}, fmt.Errorf("scan profile author: %w", err)
	}
	if entry == nil {
		entry = []byte{}
	}

	return burner.Envelope{
		SignedMetadata: burner.SignedMetadata{Content: burner.MetadataContent{
			Author:    author,
			Timestamp: fromMillis(updatedAt),
		}},
		Entry: entry,
	}, nil
}

func fold(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

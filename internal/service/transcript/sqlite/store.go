package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript/sqlite/migrations"
)

// Summary describes one cached transcript.
type Summary struct {
	CacheKey        string
	ConversationRef string
	EntryCount      int
	UpdatedAt       time.Time
}

// Store implements transcript.Store on a SQLite file.
type Store struct {
	sqlDB *sql.DB
}

var _ transcript.Store = (*Store)(nil)

// Open opens and migrates a transcript store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the cached transcript for identity. Missing and unreadable rows
// both load as an empty transcript.
func (s *Store) Load(ctx context.Context, identity chat.Identity) ([]chat.Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, transcript.ErrStoreClosed
	}

	var payload []byte
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT payload_json FROM transcripts WHERE cache_key = ?`,
		identity.CacheKey(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []chat.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	entries, err := transcript.Decode(payload)
	if err != nil {
		log.Warn().Str("component", "transcript").Str("key", identity.CacheKey()).Err(err).Msg("unreadable cached transcript, treating as empty")
		return []chat.Entry{}, nil
	}
	return entries, nil
}

// Save replaces the cached transcript for identity.
func (s *Store) Save(ctx context.Context, identity chat.Identity, entries []chat.Entry) error {
	if s == nil || s.sqlDB == nil {
		return transcript.ErrStoreClosed
	}

	payload, err := transcript.Encode(entries)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO transcripts (cache_key, conversation_ref, payload_json, entry_count, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		    conversation_ref = excluded.conversation_ref,
		    payload_json = excluded.payload_json,
		    entry_count = excluded.entry_count,
		    updated_at = excluded.updated_at`,
		identity.CacheKey(),
		identity.Ref(),
		payload,
		len(entries),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Delete drops the cached transcript for identity.
func (s *Store) Delete(ctx context.Context, identity chat.Identity) error {
	if s == nil || s.sqlDB == nil {
		return transcript.ErrStoreClosed
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM transcripts WHERE cache_key = ?`, identity.CacheKey()); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

// List returns a summary of every cached transcript, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s == nil || s.sqlDB == nil {
		return nil, transcript.ErrStoreClosed
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT cache_key, conversation_ref, entry_count, updated_at
		 FROM transcripts
		 ORDER BY updated_at DESC, cache_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	summaries := make([]Summary, 0)
	for rows.Next() {
		var summary Summary
		var updatedAt int64
		if err := rows.Scan(&summary.CacheKey, &summary.ConversationRef, &summary.EntryCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript summary: %w", err)
		}
		summary.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript summaries: %w", err)
	}
	return summaries, nil
}

func (s *Store) runMigrations() error {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.sqlDB.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// Package voicestore persists the reference recordings voices are cloned from.
package voicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Voice is a named reference recording. Audio is empty in List results.
type Voice struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Audio      []float32 `json:"-"`
	SampleRate int       `json:"sample_rate"`
	CreatedAt  time.Time `json:"created_at"`
}

// VoiceUpdate carries the fields to change; nil and empty fields are kept.
type VoiceUpdate struct {
	Name       *string
	Audio      []float32
	SampleRate int
}

type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.VoicesConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS voices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    audio BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voices_created ON voices(created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init voice schema: %w", err)
	}
	return &Store{db: db, log: log.With(slog.String("component", "voicestore")), clock: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores v, replacing any voice with the same id, and returns its id.
func (s *Store) Save(ctx context.Context, v Voice) (string, error) {
	if len(v.Audio) == 0 {
		return "", errors.New("voice audio is empty")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.SampleRate <= 0 {
		v.SampleRate = audio.SampleRate
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voices(id, name, sample_rate, audio, created_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, sample_rate=excluded.sample_rate,
		 audio=excluded.audio, created_at=excluded.created_at`,
		v.ID, strings.TrimSpace(v.Name), v.SampleRate, audio.Float32Bytes(v.Audio), v.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save voice: %w", err)
	}
	s.log.Debug("voice saved", slog.String("voice", v.ID), slog.Int("samples", len(v.Audio)))
	return v.ID, nil
}

// List returns every voice without audio, newest first.
func (s *Store) List(ctx context.Context) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, sample_rate, created_at FROM voices ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	voices := []Voice{}
	for rows.Next() {
		var v Voice
		if err := rows.Scan(&v.ID, &v.Name, &v.SampleRate, &v.CreatedAt); err != nil {
			return nil, err
		}
		voices = append(voices, v)
	}
	return voices, rows.Err()
}

// Get returns nil without error when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Voice, error) {
	var (
		v   Voice
		raw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, sample_rate, audio, created_at FROM voices WHERE id = ?`, id).
		Scan(&v.ID, &v.Name, &v.SampleRate, &raw, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voice: %w", err)
	}
	if v.Audio, err = audio.Float32FromBytes(raw); err != nil {
		return nil, fmt.Errorf("decode voice %s: %w", id, err)
	}
	return &v, nil
}

// Delete is a no-op for unknown ids.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM voices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete voice: %w", err)
	}
	return nil
}

// Update applies u and returns the updated voice, or nil when id is unknown.
func (s *Store) Update(ctx context.Context, id string, u VoiceUpdate) (*Voice, error) {
	v, err := s.Get(ctx, id)
	if err != nil || v == nil {
		return nil, err
	}
	if u.Name != nil {
		v.Name = strings.TrimSpace(*u.Name)
	}
	if len(u.Audio) > 0 {
		v.Audio = u.Audio
		if u.SampleRate > 0 {
			v.SampleRate = u.SampleRate
		}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE voices SET name = ?, sample_rate = ?, audio = ? WHERE id = ?`,
		v.Name, v.SampleRate, audio.Float32Bytes(v.Audio), id)
	if err != nil {
		return nil, fmt.Errorf("update voice: %w", err)
	}
	return v, nil
}

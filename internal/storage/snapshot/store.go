// Package snapshot persists scene snapshots, the same definitions the
// handshake carries, in a SQLite database.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/storage/snapshot/migrations"
	"github.com/zeusync/scenesync/pkg/generic"
)

// DefaultName is the snapshot a server loads and saves unless configured
// otherwise.
const DefaultName = "default"

const encodingJSONZstd = "json+zstd"

var buffers = generic.NewBufferPool()

var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrInvalidName = errors.New("invalid snapshot name")
)

// Info describes a stored snapshot.
type Info struct {
	Name     string
	SavedAt  time.Time
	Entities int
	Size     int
}

// Repository is what the server needs from snapshot storage.
type Repository interface {
	Save(ctx context.Context, name string, defs []scene.Definition) (Info, error)
	Load(ctx context.Context, name string) ([]scene.Definition, Info, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// Store is the SQLite Repository.
type Store struct {
	sqlDB   *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

var _ Repository = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{sqlDB: sqlDB, encoder: encoder, decoder: decoder, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.sqlDB.Close()
}

// Save writes defs under name, replacing any previous snapshot of that name.
func (s *Store) Save(ctx context.Context, name string, defs []scene.Definition) (Info, error) {
	if err := checkName(name); err != nil {
		return Info{}, err
	}
	buf := buffers.Get()
	defer buffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(defs); err != nil {
		return Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	data := s.encoder.EncodeAll(buf.Bytes(), nil)
	info := Info{Name: name, SavedAt: s.now().UTC().Truncate(time.Millisecond), Entities: Count(defs), Size: len(data)}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (name, saved_at, entities, encoding, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   saved_at = excluded.saved_at,
		   entities = excluded.entities,
		   encoding = excluded.encoding,
		   data     = excluded.data`,
		name, info.SavedAt.UnixMilli(), info.Entities, encodingJSONZstd, data,
	)
	if err != nil {
		return Info{}, fmt.Errorf("save snapshot %q: %w", name, err)
	}
	return info, nil
}

func (s *Store) Load(ctx context.Context, name string) ([]scene.Definition, Info, error) {
	if err := checkName(name); err != nil {
		return nil, Info{}, err
	}
	var (
		savedAt  int64
		encoding string
		data     []byte
		info     = Info{Name: name}
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT saved_at, entities, encoding, data FROM snapshots WHERE name = ?`, name,
	).Scan(&savedAt, &info.Entities, &encoding, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Info{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("load snapshot %q: %w", name, err)
	}
	if encoding != encodingJSONZstd {
		return nil, Info{}, fmt.Errorf("snapshot %q has unsupported encoding %q", name, encoding)
	}

	raw, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, Info{}, fmt.Errorf("decompress snapshot %q: %w", name, err)
	}
	var defs []scene.Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, Info{}, fmt.Errorf("decode snapshot %q: %w", name, err)
	}
	info.SavedAt = time.UnixMilli(savedAt).UTC()
	info.Size = len(data)
	return defs, info, nil
}

// List returns every snapshot, newest first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, saved_at, entities, length(data) FROM snapshots ORDER BY saved_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			savedAt int64
		)
		if err := rows.Scan(&info.Name, &savedAt, &info.Entities, &info.Size); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.SavedAt = time.UnixMilli(savedAt).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete snapshot %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return nil
}

// Count returns the number of entities in defs, children included.
func Count(defs []scene.Definition) int {
	n := 0
	for _, d := range defs {
		n += 1 + Count(d.Children)
	}
	return n
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return nil
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := sqlDB.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

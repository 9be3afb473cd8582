package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema holds the vector table and its FTS5 companion. The FTS index
// is content-synced by triggers so the two can never drift.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	text       TEXT NOT NULL,
	vector     BLOB,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	text,
	content='memories',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF text ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
	INSERT INTO memories_fts(rowid, text) VALUES (new.rowid, new.text);
END;
`

// candidateLimit bounds how many rows are scored per query. FTS
// prefiltering keeps this from scanning whole collections.
const candidateLimit = 1000

// Store is the SQLite-backed vector store. Exactly one process (the
// gateway) may hold a writable Store; other processes may only open
// the FTS index read-only or go through the gateway.
type Store struct {
	db       *sql.DB
	path     string
	embedder Embedder
}

// OpenStore opens (creating if needed) the backing database and
// initializes the schema.
func OpenStore(path string, embedder Embedder) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// The gateway is the sole writer; one connection avoids writer
	// contention inside the process too.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db, path: path, embedder: embedder}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the row count of one collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if !validCollection(collection) {
		return 0, fmt.Errorf("unknown collection %q", collection)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// Upsert writes rows into a collection. Text is scrubbed before it is
// embedded or stored, so secrets never reach disk or the embedding
// endpoint.
func (s *Store) Upsert(ctx context.Context, collection string, rows []Row) error {
	if !validCollection(collection) {
		return fmt.Errorf("unknown collection %q", collection)
	}
	if len(rows) == 0 {
		return nil
	}

	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = Scrub(row.Text)
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d rows: %w", len(rows), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (collection, id, text, vector, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			text = excluded.text,
			vector = excluded.vector,
			metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	for i, row := range rows {
		meta := encodeMetadata(row.Metadata)
		if _, err := stmt.ExecContext(ctx, collection, row.ID, texts[i],
			encodeVector(vectors[i]), meta, now); err != nil {
			return fmt.Errorf("upserting row %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

// Query returns up to limit rows ranked by cosine distance to the
// query text. When the query has lexical terms, the FTS index
// prefilters candidates; otherwise the collection is scanned up to
// candidateLimit rows, newest first.
func (s *Store) Query(ctx context.Context, collection string, p QueryParams) ([]Hit, error) {
	if !validCollection(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if strings.TrimSpace(p.Query) == "" {
		return []Hit{}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 5
	}

	vectors, err := s.embedder.Embed(ctx, []string{p.Query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec := vectors[0]

	rows, err := s.candidates(ctx, collection, p.Query)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(rows))
	for _, c := range rows {
		if !matchesWhere(c.row.Metadata, p.Where) {
			continue
		}
		hits = append(hits, Hit{
			Row:      c.row,
			Distance: CosineDistance(queryVec, c.vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type candidate struct {
	row    Row
	vector []float32
}

func (s *Store) candidates(ctx context.Context, collection, query string) ([]candidate, error) {
	// FTS pass first. Query terms are quoted to defuse FTS syntax.
	match := ftsMatchExpr(query)
	if match != "" {
		rows, err := s.scanCandidates(ctx, `
			SELECT m.id, m.text, m.vector, m.metadata
			FROM memories_fts f
			JOIN memories m ON m.rowid = f.rowid
			WHERE memories_fts MATCH ? AND m.collection = ?
			LIMIT ?`, match, collection, candidateLimit)
		if err == nil && len(rows) > 0 {
			return rows, nil
		}
		// Fall through to the full scan on FTS miss or error; the FTS
		// index is an accelerator, not the source of truth.
	}

	return s.scanCandidates(ctx, `
		SELECT id, text, vector, metadata
		FROM memories
		WHERE collection = ?
		ORDER BY created_at DESC
		LIMIT ?`, collection, candidateLimit)
}

func (s *Store) scanCandidates(ctx context.Context, q string, args ...any) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			id, text, meta string
			blob           []byte
		)
		if err := rows.Scan(&id, &text, &blob, &meta); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out = append(out, candidate{
			row: Row{
				ID:       id,
				Text:     text,
				Metadata: decodeMetadata(meta),
			},
			vector: decodeVector(blob),
		})
	}
	return out, rows.Err()
}

// ftsMatchExpr builds an OR query of the lexical terms, each quoted.
func ftsMatchExpr(query string) string {
	terms := tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	if len(terms) > 10 {
		terms = terms[:10]
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Get fetches rows by id.
func (s *Store) Get(ctx context.Context, collection string, ids []string) ([]Row, error) {
	if !validCollection(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		var (
			text, meta string
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT text, metadata FROM memories WHERE collection = ? AND id = ?`,
			collection, id).Scan(&text, &meta)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting %s: %w", id, err)
		}
		out = append(out, Row{ID: id, Text: text, Metadata: decodeMetadata(meta)})
	}
	return out, nil
}

// Delete removes rows by id, returning how many were deleted.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) (int, error) {
	if !validCollection(collection) {
		return 0, fmt.Errorf("unknown collection %q", collection)
	}
	deleted := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM memories WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}
	return deleted, nil
}

// Backup writes a consistent copy of the store via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, dest string) (string, error) {
	if dest == "" {
		dest = fmt.Sprintf("%s.%s.bak", s.path, time.Now().UTC().Format("20060102T150405"))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", fmt.Errorf("backing up store: %w", err)
	}
	return dest, nil
}

func matchesWhere(meta, where map[string]string) bool {
	for k, v := range where {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func encodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(s string) map[string]string {
	meta := map[string]string{}
	_ = json.Unmarshal([]byte(s), &meta)
	return meta
}

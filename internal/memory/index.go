package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const indexFile = "memory.db"

// index is the sqlite table holding entries and their vectors.
type index struct {
	db *sql.DB
}

func openIndex(ctx context.Context, path string) (*index, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := &index{db: db}
	if err := idx.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *index) close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func (x *index) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			workstream TEXT NOT NULL DEFAULT '',
			files TEXT NOT NULL DEFAULT '[]',
			content_hash TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			vector BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_agent ON entries(agent);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_type_created ON entries(type, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_workstream ON entries(workstream);`,
	}
	for _, q := range stmts {
		if _, err := x.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init memory index: %w", err)
		}
	}
	// Touch the table so a damaged file fails here rather than on first use.
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries;`).Scan(&n); err != nil {
		return fmt.Errorf("check memory index: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// cosine assumes both vectors are unit length.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return -1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func (x *index) hashExists(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := x.db.QueryRowContext(ctx, `SELECT id FROM entries WHERE content_hash = ?;`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup content hash: %w", err)
	}
	return id, true, nil
}

// insert adds e. inserted is false when another entry already has its hash.
func (x *index) insert(ctx context.Context, e Entry) (inserted bool, err error) {
	files, err := json.Marshal(e.Files)
	if err != nil {
		return false, fmt.Errorf("marshal files: %w", err)
	}
	if e.Files == nil {
		files = []byte("[]")
	}
	res, err := x.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entries (id, agent, type, source, created_at_ms, task_id, workstream, files, content_hash, text, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, e.ID, e.Agent, string(e.Type), e.Source, e.CreatedAt.UnixMilli(), e.TaskID, e.Workstream, string(files),
		e.ContentHash, e.Text, encodeVector(e.Vector))
	if err != nil {
		return false, fmt.Errorf("insert memory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert memory entry: %w", err)
	}
	return n == 1, nil
}

type filter struct {
	Agent      string
	Type       Type
	Workstream string
	ID         string
}

func (f filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.ID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, f.ID)
	}
	if f.Agent != "" {
		clauses = append(clauses, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Workstream != "" {
		clauses = append(clauses, "workstream = ?")
		args = append(args, f.Workstream)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scan returns every entry matching f, vectors included.
func (x *index) scan(ctx context.Context, f filter) ([]Entry, error) {
	where, args := f.where()
	rows, err := x.db.QueryContext(ctx, `
		SELECT id, agent, type, source, created_at_ms, task_id, workstream, files, content_hash, text, vector
		FROM entries`+where+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			typ       string
			createdMs int64
			files     string
			blob      []byte
		)
		if err := rows.Scan(&e.ID, &e.Agent, &typ, &e.Source, &createdMs, &e.TaskID, &e.Workstream, &files, &e.ContentHash, &e.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		e.Type = Type(typ)
		e.CreatedAt = time.UnixMilli(createdMs)
		if files != "" && files != "[]" {
			_ = json.Unmarshal([]byte(files), &e.Files)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.Vector = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

func (x *index) count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}

func (x *index) evictionRows(ctx context.Context) ([]evictRow, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, agent, type, created_at_ms FROM entries;`)
	if err != nil {
		return nil, fmt.Errorf("list eviction candidates: %w", err)
	}
	defer rows.Close()
	var out []evictRow
	for rows.Next() {
		var r evictRow
		var typ string
		if err := rows.Scan(&r.ID, &r.Agent, &typ, &r.CreatedMs); err != nil {
			return nil, fmt.Errorf("scan eviction candidate: %w", err)
		}
		r.Type = Type(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (x *index) deleteIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entries WHERE id = ?;`)
	if err != nil {
		return 0, fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()
	n := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("delete entry %s: %w", id, err)
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n += int(k)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

func (x *index) deleteOlderThan(ctx context.Context, t Type, cutoff time.Time) (int, error) {
	res, err := x.db.ExecContext(ctx, `DELETE FROM entries WHERE type = ? AND created_at_ms < ?;`, string(t), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", t, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (x *index) deleteAgent(ctx context.Context, agent string) (int, error) {
	res, err := x.db.ExecContext(ctx, `DELETE FROM entries WHERE agent = ?;`, agent)
	if err != nil {
		return 0, fmt.Errorf("forget agent %s: %w", agent, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (x *index) groupCounts(ctx context.Context, column string) (map[string]int, error) {
	if column != "agent" && column != "type" {
		return nil, fmt.Errorf("unsupported group column %q", column)
	}
	rows, err := x.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM entries GROUP BY `+column+`;`)
	if err != nil {
		return nil, fmt.Errorf("group by %s: %w", column, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// isCorruption matches sqlite and decoding errors that mean the on-disk
// store is damaged rather than temporarily unavailable.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	var se *sidecarDecodeError
	if errors.As(err, &se) || errors.Is(err, errCanaryLost) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"database disk image is malformed",
		"file is not a database",
		"file is encrypted or is not a database",
		"malformed database schema",
		"sqlite_corrupt",
		"sqlite_notadb",
		"not a multiple of 4",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

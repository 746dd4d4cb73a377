// Package oplog implements the append-only OperationLogEntry sink backed
// by sqlite, optionally consumed by the Sync Server to record CRDT
// updates, presence changes, permission decisions, and system events.
//
// Grounded on the teacher's internal/store (sqlite open/migrate via
// go:embed migrations/*.sql, modernc.org/sqlite) and internal/store/log.go
// (AppendLog/ListLogByTask), generalized from a per-task event log to a
// per-document, filterable operation log.
package oplog

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ActorType classifies who originated a logged operation.
type ActorType string

const (
	ActorHuman ActorType = "human"
	ActorAI    ActorType = "ai"
)

// OpType classifies what kind of operation was logged.
type OpType string

const (
	OpCRDTUpdate OpType = "crdt_update"
	OpPresence   OpType = "presence"
	OpPermission OpType = "permission"
	OpSystem     OpType = "system"
)

// Entry is one append-only row. Never modified after insert.
type Entry struct {
	ID                int64
	DocID             string
	ActorID           string
	ActorType         ActorType
	OpType            OpType
	Timestamp         time.Time
	FrontierTag       string
	ParentFrontierTag string
	SizeBytes         int
	Summary           string
}

// Query filters Entry rows. Zero-value fields are not applied as filters.
type Query struct {
	DocID     string
	ActorType ActorType
	OpType    OpType
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Sink is the interface the Sync Server consumes. Append failures are
// logged by the caller and never abort the message path.
type Sink interface {
	Append(e Entry) error
	Query(q Query) ([]Entry, error)
	Close() error
}

// Store is a sqlite-backed Sink.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at dsn and applies any
// pending embedded migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("oplog: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Append inserts one Entry. Timestamp defaults to now if zero.
func (s *Store) Append(e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO operation_log (doc_id, actor_id, actor_type, op_type, ts, frontier_tag, parent_frontier_tag, size_bytes, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DocID, e.ActorID, string(e.ActorType), string(e.OpType), ts, nullable(e.FrontierTag), nullable(e.ParentFrontierTag), e.SizeBytes, nullable(e.Summary),
	)
	if err != nil {
		return fmt.Errorf("oplog: append: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Query returns entries matching q, ordered by ts ascending.
func (s *Store) Query(q Query) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if q.DocID != "" {
		clauses = append(clauses, "doc_id = ?")
		args = append(args, q.DocID)
	}
	if q.ActorType != "" {
		clauses = append(clauses, "actor_type = ?")
		args = append(args, string(q.ActorType))
	}
	if q.OpType != "" {
		clauses = append(clauses, "op_type = ?")
		args = append(args, string(q.OpType))
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, q.Until)
	}

	sqlStr := "SELECT id, doc_id, actor_id, actor_type, op_type, ts, frontier_tag, parent_frontier_tag, size_bytes, summary FROM operation_log"
	if len(clauses) > 0 {
		sqlStr += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlStr += " ORDER BY ts ASC"
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("oplog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			actorType, opType        string
			frontierTag, parentTag   sql.NullString
			summary                  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DocID, &e.ActorID, &actorType, &opType, &e.Timestamp, &frontierTag, &parentTag, &e.SizeBytes, &summary); err != nil {
			return nil, fmt.Errorf("oplog: scan: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.OpType = OpType(opType)
		e.FrontierTag = frontierTag.String
		e.ParentFrontierTag = parentTag.String
		e.Summary = summary.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// InferActorType implements the spec's actorType inference: origin strings
// prefixed "lfcc:ai:" are AI-originated; otherwise a userID prefixed
// "ai-" or "ghost-" is AI-originated; everything else is human.
func InferActorType(origin, userID string) ActorType {
	if strings.HasPrefix(origin, "lfcc:ai:") {
		return ActorAI
	}
	if strings.HasPrefix(userID, "ai-") || strings.HasPrefix(userID, "ghost-") {
		return ActorAI
	}
	return ActorHuman
}

var _ Sink = (*Store)(nil)

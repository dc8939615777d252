package db3

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	serialization_format TEXT NOT NULL,
	offered_qos_profiles TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	topic_id INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS timestamp_idx ON messages (timestamp ASC);
`

// TopicSpec declares a topic written by Create.
type TopicSpec struct {
	Name   string
	Type   string
	Format string
}

// MessageSpec is one message written by Create.
type MessageSpec struct {
	Topic     string
	Timestamp int64
	Data      []byte
}

// Create writes a new log at path holding topics and msgs.
func Create(ctx context.Context, path string, topics []TopicSpec, msgs []MessageSpec) (err error) {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("log path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close sqlite db: %w", cerr)
		}
	}()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make(map[string]int64, len(topics))
	for i, t := range topics {
		id := int64(i + 1)
		format := t.Format
		if format == "" {
			format = "cdr"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO topics (id, name, type, serialization_format) VALUES (?, ?, ?, ?)`,
			id, t.Name, t.Type, format); err != nil {
			return fmt.Errorf("insert topic %s: %w", t.Name, err)
		}
		ids[t.Name] = id
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (topic_id, timestamp, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i, m := range msgs {
		id, ok := ids[m.Topic]
		if !ok {
			return fmt.Errorf("message %d: unknown topic %q", i, m.Topic)
		}
		data := m.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, id, m.Timestamp, data); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

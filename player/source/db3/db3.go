// Package db3 decodes rosbag2-style SQLite logs.
//
// A log holds a topics table (id, name, type, serialization_format) and a
// messages table (id, topic_id, timestamp, data) with nanosecond timestamps.
// Messages are read in batches ordered by (timestamp, id).
package db3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/logscope/logscope/player"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Extension is the file extension this package registers for.
const Extension = ".db3"

// DefaultBatchSize is the number of rows fetched per query while iterating.
const DefaultBatchSize = 512

func init() {
	player.RegisterSourceFactory(Extension, func(ctx context.Context, url string) (player.IterableSource, error) {
		return Open(ctx, url)
	})
}

type topicRow struct {
	id     int64
	name   string
	typ    string
	format string
}

// Source is a player.IterableSource over one SQLite log.
type Source struct {
	path      string
	db        *sql.DB
	batchSize int

	topics map[int64]topicRow
	byName map[string]int64
	ini    *player.Initialization
}

// Open opens the log at path read-only.
func Open(ctx context.Context, path string) (*Source, error) {
	path = strings.TrimPrefix(path, "file://")
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Source{path: path, db: db, batchSize: DefaultBatchSize}, nil
}

// SetBatchSize changes the number of rows fetched per query.
func (s *Source) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Initialize reads the topic table and per-topic statistics.
func (s *Source) Initialize(ctx context.Context) (*player.Initialization, error) {
	if s.ini != nil {
		return s.ini, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, serialization_format FROM topics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	topics := make(map[int64]topicRow)
	byName := make(map[string]int64)
	for rows.Next() {
		var t topicRow
		if err := rows.Scan(&t.id, &t.name, &t.typ, &t.format); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics[t.id] = t
		byName[t.name] = t.id
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	_ = rows.Close()

	ini := &player.Initialization{
		Datatypes:         make(map[string]player.Schema),
		TopicStats:        make(map[string]player.TopicStats),
		PublishersByTopic: make(map[string][]string),
		Profile:           "ros2",
	}
	for _, t := range topics {
		ini.Topics = append(ini.Topics, player.Topic{Name: t.name, SchemaName: t.typ, MessageEncoding: t.format})
		if t.typ != "" {
			ini.Datatypes[t.typ] = player.Schema{Name: t.typ, Encoding: t.format}
		}
	}
	sort.Slice(ini.Topics, func(i, j int) bool { return ini.Topics[i].Name < ini.Topics[j].Name })

	stats, err := s.db.QueryContext(ctx, `SELECT topic_id, COUNT(*), MIN(timestamp), MAX(timestamp) FROM messages GROUP BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("query message stats: %w", err)
	}
	defer func() { _ = stats.Close() }()
	seen := false
	for stats.Next() {
		var (
			topicID     int64
			count       int64
			first, last int64
		)
		if err := stats.Scan(&topicID, &count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		t, ok := topics[topicID]
		if !ok {
			logrus.Warnf("db3: %s has messages for unknown topic id %d", s.path, topicID)
			continue
		}
		ini.TopicStats[t.name] = player.TopicStats{
			NumMessages:      count,
			FirstMessageTime: player.Time(first),
			LastMessageTime:  player.Time(last),
		}
		if !seen || player.Time(first) < ini.Start {
			ini.Start = player.Time(first)
		}
		if !seen || player.Time(last) > ini.End {
			ini.End = player.Time(last)
		}
		seen = true
	}
	if err := stats.Err(); err != nil {
		return nil, fmt.Errorf("iterate message stats: %w", err)
	}

	s.topics, s.byName, s.ini = topics, byName, ini
	logrus.Debugf("db3: opened %s, %d topics, range [%v, %v]", s.path, len(topics), ini.Start, ini.End)
	return ini, nil
}

// topicIDs maps names to ids, skipping unknown topics.
func (s *Source) topicIDs(names []string) []int64 {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		if id, ok := s.byName[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// MessageIterator yields messages matching args, fetched in batches.
func (s *Source) MessageIterator(ctx context.Context, args player.IteratorArgs) (player.Iterator, error) {
	if s.ini == nil {
		return nil, player.ErrNotInitialized
	}
	return &iterator{
		src:    s,
		ids:    s.topicIDs(args.Topics),
		end:    args.End,
		lastTs: int64(args.Start),
		lastID: -1,
		inclTs: true,
	}, nil
}

// BackfillMessages returns the latest message at or before args.Time per topic.
func (s *Source) BackfillMessages(ctx context.Context, args player.BackfillArgs) ([]player.MessageEvent, error) {
	if s.ini == nil {
		return nil, player.ErrNotInitialized
	}
	var out []player.MessageEvent
	for _, name := range args.Topics {
		id, ok := s.byName[name]
		if !ok {
			continue
		}
		var (
			ts   int64
			data []byte
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT timestamp, data FROM messages WHERE topic_id = ? AND timestamp <= ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
			id, int64(args.Time)).Scan(&ts, &data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", name, err)
		}
		out = append(out, s.message(id, ts, data))
	}
	return out, nil
}

func (s *Source) message(topicID, ts int64, data []byte) player.MessageEvent {
	t := s.topics[topicID]
	return player.MessageEvent{
		Topic:       t.name,
		SchemaName:  t.typ,
		ReceiveTime: player.Time(ts),
		PublishTime: player.Time(ts),
		Payload:     data,
		SourceID:    s.path,
	}
}

// Close closes the database handle.
func (s *Source) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type iterator struct {
	src *Source
	ids []int64
	end player.Time

	// Keyset position: the next row is after (lastTs, lastID).
	lastTs int64
	lastID int64
	inclTs bool // first batch includes lastTs itself

	batch []player.MessageEvent
	done  bool
}

func (it *iterator) Next(ctx context.Context) (player.Event, error) {
	if len(it.batch) == 0 && !it.done {
		if err := it.fetch(ctx); err != nil {
			return player.Event{}, err
		}
	}
	if len(it.batch) == 0 {
		return player.Event{}, io.EOF
	}
	msg := it.batch[0]
	it.batch = it.batch[1:]
	return player.NewMessageEvent(msg), nil
}

func (it *iterator) fetch(ctx context.Context) error {
	if len(it.ids) == 0 {
		it.done = true
		return nil
	}
	query := `SELECT id, topic_id, timestamp, data FROM messages
		WHERE topic_id IN (` + placeholders(len(it.ids)) + `)
		AND timestamp <= ?
		AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id LIMIT ?`
	args := make([]any, 0, len(it.ids)+5)
	for _, id := range it.ids {
		args = append(args, id)
	}
	lastID := it.lastID
	if it.inclTs {
		lastID = -1
	}
	args = append(args, int64(it.end), it.lastTs, it.lastTs, lastID, it.src.batchSize)

	rows, err := it.src.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	n := 0
	for rows.Next() {
		var (
			id, topicID, ts int64
			data            []byte
		)
		if err := rows.Scan(&id, &topicID, &ts, &data); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		it.batch = append(it.batch, it.src.message(topicID, ts, data))
		it.lastTs, it.lastID = ts, id
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	it.inclTs = false
	if n < it.src.batchSize {
		it.done = true
	}
	return nil
}

func (it *iterator) Close() error {
	it.done = true
	it.batch = nil
	return nil
}

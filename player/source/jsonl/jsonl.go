// Package jsonl decodes JSON Lines logs with one message per line:
//
//	{"topic": "/vehicle/status", "timestamp": 1700000000.1, "message": {...}}
//
// timestamp is seconds since the epoch. An optional "schema" field names the
// message datatype. Opening a file scans it once to build a time index;
// payloads are read from disk as they are iterated.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/logscope/logscope/player"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Extension is the file extension this package registers for.
const Extension = ".jsonl"

func init() {
	player.RegisterSourceFactory(Extension, func(ctx context.Context, url string) (player.IterableSource, error) {
		return Open(url)
	})
}

// entry locates one message in the file.
type entry struct {
	time   player.Time
	topic  string
	schema string
	off    int64  // payload offset, when inline is nil
	size   int    // payload length
	inline []byte // payload copy when its offset is unknown
}

// Source is a player.IterableSource over one JSON Lines file.
type Source struct {
	path string

	mu     sync.Mutex
	file   *os.File
	index  []entry
	ini    *player.Initialization
	closed bool
}

// Open returns an uninitialized source for path.
func Open(path string) (*Source, error) {
	path = strings.TrimPrefix(path, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Source{path: path, file: f}, nil
}

// Initialize scans the file and builds the time index.
func (s *Source) Initialize(ctx context.Context) (*player.Initialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ini != nil {
		return s.ini, nil
	}
	if s.closed {
		return nil, player.ErrClosed
	}
	index, bad, err := scan(ctx, s.file)
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", s.path, err)
	}
	s.index = index
	s.ini = buildInitialization(s.path, index, bad)
	logrus.Debugf("jsonl: indexed %s, %d messages, %d malformed lines", s.path, len(index), bad)
	return s.ini, nil
}

func scan(ctx context.Context, r io.Reader) ([]entry, int, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	var (
		index []entry
		bad   int
		off   int64
	)
	for lineNo := 0; ; lineNo++ {
		if lineNo%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		line, err := br.ReadBytes('\n')
		lineOff := off
		off += int64(len(line))
		if len(bytes.TrimSpace(line)) > 0 {
			if e, ok := parseLine(line, lineOff); ok {
				index = append(index, e)
			} else {
				bad++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].time < index[j].time })
	return index, bad, nil
}

func parseLine(line []byte, lineOff int64) (entry, bool) {
	if !gjson.ValidBytes(line) {
		return entry{}, false
	}
	fields := gjson.GetManyBytes(line, "topic", "timestamp", "message", "schema")
	topic, ts, msg, schema := fields[0], fields[1], fields[2], fields[3]
	if topic.Type != gjson.String || topic.Str == "" || ts.Type != gjson.Number || !msg.Exists() {
		return entry{}, false
	}
	e := entry{
		time:   player.TimeFromSeconds(ts.Float()),
		topic:  topic.Str,
		schema: schema.String(),
		size:   len(msg.Raw),
	}
	if msg.Index > 0 {
		e.off = lineOff + int64(msg.Index)
	} else {
		e.inline = []byte(msg.Raw)
	}
	return e, true
}

func buildInitialization(path string, index []entry, bad int) *player.Initialization {
	ini := &player.Initialization{
		Datatypes:         make(map[string]player.Schema),
		TopicStats:        make(map[string]player.TopicStats),
		PublishersByTopic: make(map[string][]string),
	}
	topics := make(map[string]player.Topic)
	for _, e := range index {
		if _, ok := topics[e.topic]; !ok {
			topics[e.topic] = player.Topic{Name: e.topic, SchemaName: e.schema, MessageEncoding: "json"}
			if e.schema != "" {
				ini.Datatypes[e.schema] = player.Schema{Name: e.schema, Encoding: "jsonschema"}
			}
		}
		stats, ok := ini.TopicStats[e.topic]
		if !ok {
			stats.FirstMessageTime = e.time
		}
		stats.NumMessages++
		stats.LastMessageTime = e.time
		ini.TopicStats[e.topic] = stats
	}
	for _, t := range topics {
		ini.Topics = append(ini.Topics, t)
	}
	sort.Slice(ini.Topics, func(i, j int) bool { return ini.Topics[i].Name < ini.Topics[j].Name })
	if len(index) > 0 {
		ini.Start, ini.End = index[0].time, index[len(index)-1].time
	}
	if bad > 0 {
		ini.Alerts = append(ini.Alerts, player.NewAlert(player.SeverityWarn, player.AlertDecode, path,
			fmt.Sprintf("skipped %d malformed lines", bad), nil))
	}
	return ini
}

func (s *Source) payload(e entry) ([]byte, error) {
	if e.inline != nil {
		return e.inline, nil
	}
	buf := make([]byte, e.size)
	if _, err := s.file.ReadAt(buf, e.off); err != nil {
		return nil, fmt.Errorf("reading payload at offset %d: %w", e.off, err)
	}
	return buf, nil
}

func (s *Source) message(e entry) (player.MessageEvent, error) {
	data, err := s.payload(e)
	if err != nil {
		return player.MessageEvent{}, err
	}
	return player.MessageEvent{
		Topic:       e.topic,
		SchemaName:  e.schema,
		ReceiveTime: e.time,
		PublishTime: e.time,
		Payload:     data,
		SourceID:    s.path,
	}, nil
}

// MessageIterator yields indexed messages matching args in time order.
func (s *Source) MessageIterator(ctx context.Context, args player.IteratorArgs) (player.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ini == nil {
		return nil, player.ErrNotInitialized
	}
	if s.closed {
		return nil, player.ErrClosed
	}
	pos := sort.Search(len(s.index), func(i int) bool { return s.index[i].time >= args.Start })
	return &iterator{src: s, args: args, pos: pos}, nil
}

// BackfillMessages returns the latest message at or before args.Time per topic.
func (s *Source) BackfillMessages(ctx context.Context, args player.BackfillArgs) ([]player.MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ini == nil {
		return nil, player.ErrNotInitialized
	}
	upper := sort.Search(len(s.index), func(i int) bool { return s.index[i].time > args.Time })
	var out []player.MessageEvent
	for _, topic := range args.Topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := upper - 1; i >= 0; i-- {
			if s.index[i].topic != topic {
				continue
			}
			msg, err := s.message(s.index[i])
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
			break
		}
	}
	return out, nil
}

// Close releases the file.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

type iterator struct {
	src  *Source
	args player.IteratorArgs
	pos  int
	done bool
}

func (it *iterator) Next(ctx context.Context) (player.Event, error) {
	if it.done {
		return player.Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return player.Event{}, err
	}
	index := it.src.index
	for it.pos < len(index) {
		e := index[it.pos]
		it.pos++
		if e.time > it.args.End {
			break
		}
		if !it.args.Includes(e.topic, e.time) {
			continue
		}
		msg, err := it.src.message(e)
		if err != nil {
			return player.Event{}, err
		}
		return player.NewMessageEvent(msg), nil
	}
	it.done = true
	return player.Event{}, io.EOF
}

func (it *iterator) Close() error {
	it.done = true
	return nil
}

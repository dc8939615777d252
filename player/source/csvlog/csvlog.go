// Package csvlog decodes logs stored as a YAML header plus CSV data.
//
// The data file has the columns time_ns, topic, schema, payload. The header
// sits next to it with the same base name and a .yaml extension; it is
// optional and carries topic encodings, schemas and metadata.
package csvlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/logscope/logscope/player"
	"gopkg.in/yaml.v3"
)

// Extension is the file extension this package registers for.
const Extension = ".csv"

// CurrentVersion is written to exported headers.
const CurrentVersion = 1

func init() {
	player.RegisterSourceFactory(Extension, func(ctx context.Context, url string) (player.IterableSource, error) {
		return Load(ctx, strings.TrimPrefix(url, "file://"))
	})
}

// LogHeader captures metadata for a CSV log.
type LogHeader struct {
	Version  int               `yaml:"log_version"`
	Name     string            `yaml:"name,omitempty"`
	Profile  string            `yaml:"profile,omitempty"`
	Topics   []TopicHeader     `yaml:"topics,omitempty"`
	Schemas  []SchemaHeader    `yaml:"schemas,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// TopicHeader declares a topic, which may have no rows.
type TopicHeader struct {
	Name     string `yaml:"name"`
	Schema   string `yaml:"schema,omitempty"`
	Encoding string `yaml:"encoding,omitempty"`
}

// SchemaHeader describes a datatype.
type SchemaHeader struct {
	Name     string `yaml:"name"`
	Encoding string `yaml:"encoding,omitempty"`
	Data     string `yaml:"data,omitempty"`
}

// Row is one message in the CSV data.
type Row struct {
	TimeNs  int64
	Topic   string
	Schema  string
	Payload string
}

// CSV column headers.
var columns = []string{"time_ns", "topic", "schema", "payload"}

// HeaderPath returns the header file paired with dataPath.
func HeaderPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".yaml"
}

// Export writes header (YAML) and rows (CSV) to separate files.
// Times use integer formatting to keep nanosecond precision.
func Export(header *LogHeader, rows []Row, headerPath, dataPath string) error {
	if header != nil {
		if header.Version == 0 {
			header.Version = CurrentVersion
		}
		data, err := yaml.Marshal(header)
		if err != nil {
			return fmt.Errorf("marshaling log header: %w", err)
		}
		if err := os.WriteFile(headerPath, data, 0644); err != nil {
			return fmt.Errorf("writing log header: %w", err)
		}
	}

	file, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("creating log data file: %w", err)
	}
	defer func() { _ = file.Close() }()

	writer := csv.NewWriter(file)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for i, r := range rows {
		row := []string{strconv.FormatInt(r.TimeNs, 10), r.Topic, r.Schema, r.Payload}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadHeader loads a header file. A missing file yields a nil header.
func ReadHeader(path string) (*LogHeader, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log header: %w", err)
	}
	var header LogHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parsing log header: %w", err)
	}
	if header.Version > CurrentVersion {
		return nil, fmt.Errorf("log header version %d is newer than supported version %d", header.Version, CurrentVersion)
	}
	return &header, nil
}

// ReadRows loads every data row. Rows that do not parse are counted in bad.
func ReadRows(ctx context.Context, dataPath string) (rows []Row, bad int, err error) {
	file, err := os.Open(dataPath)
	if err != nil {
		return nil, 0, fmt.Errorf("opening log data: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	// Skip header row
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading CSV header: %w", err)
	}
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading CSV row: %w", err)
		}
		r, ok := parseRow(record)
		if !ok {
			bad++
			continue
		}
		rows = append(rows, r)
	}
	return rows, bad, nil
}

func parseRow(record []string) (Row, bool) {
	if len(record) < len(columns) {
		return Row{}, false
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil || record[1] == "" {
		return Row{}, false
	}
	return Row{TimeNs: ns, Topic: record[1], Schema: record[2], Payload: record[3]}, true
}

// Load reads a CSV log and its optional header into an in-memory source.
func Load(ctx context.Context, dataPath string) (*player.MemorySource, error) {
	header, err := ReadHeader(HeaderPath(dataPath))
	if err != nil {
		return nil, err
	}
	rows, bad, err := ReadRows(ctx, dataPath)
	if err != nil {
		return nil, err
	}

	msgs := make([]player.MessageEvent, len(rows))
	for i, r := range rows {
		msgs[i] = player.MessageEvent{
			Topic:       r.Topic,
			SchemaName:  r.Schema,
			ReceiveTime: player.Time(r.TimeNs),
			PublishTime: player.Time(r.TimeNs),
			Payload:     []byte(r.Payload),
		}
	}
	var opts []player.MemoryOption
	if header != nil {
		opts = append(opts, headerOptions(header)...)
	}
	if bad > 0 {
		opts = append(opts, player.WithAlert(player.NewAlert(player.SeverityWarn, player.AlertDecode, dataPath,
			fmt.Sprintf("skipped %d malformed rows", bad), nil)))
	}
	return player.NewMemorySource(dataPath, msgs, opts...), nil
}

func headerOptions(h *LogHeader) []player.MemoryOption {
	var opts []player.MemoryOption
	for _, t := range h.Topics {
		opts = append(opts, player.WithTopic(player.Topic{Name: t.Name, SchemaName: t.Schema, MessageEncoding: t.Encoding}))
	}
	for _, s := range h.Schemas {
		opts = append(opts, player.WithDatatype(player.Schema{Name: s.Name, Encoding: s.Encoding, Data: []byte(s.Data)}))
	}
	if h.Profile != "" {
		opts = append(opts, player.WithProfile(h.Profile))
	}
	if len(h.Metadata) > 0 {
		name := h.Name
		if name == "" {
			name = "header"
		}
		opts = append(opts, player.WithMetadata(player.Metadata{Name: name, Entries: h.Metadata}))
	}
	return opts
}

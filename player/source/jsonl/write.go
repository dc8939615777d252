package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Record is one line of a JSON Lines log.
type Record struct {
	Topic     string          `json:"topic"`
	Timestamp float64         `json:"timestamp"`
	Schema    string          `json:"schema,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// WriteRecords writes records to w, one JSON object per line.
func WriteRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("writing record %d (%s): %w", i, r.Topic, err)
		}
	}
	return bw.Flush()
}

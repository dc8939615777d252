package player

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Topic is a named message stream.
type Topic struct {
	Name            string
	SchemaName      string
	MessageEncoding string
}

// Schema describes a datatype.
type Schema struct {
	Name     string
	Encoding string
	Data     []byte
}

// TopicStats summarizes the messages of one topic.
type TopicStats struct {
	NumMessages      int64
	FirstMessageTime Time
	LastMessageTime  Time
}

// Metadata is a named key/value record embedded in a log.
type Metadata struct {
	Name    string
	Entries map[string]string
}

// Initialization is produced once per source before any event can be read.
type Initialization struct {
	Start             Time
	End               Time
	Topics            []Topic
	Datatypes         map[string]Schema
	TopicStats        map[string]TopicStats
	PublishersByTopic map[string][]string
	Metadata          []Metadata
	Alerts            []Alert
	Profile           string
}

// TopicNames returns the names of all topics in init, in order.
func (in *Initialization) TopicNames() []string {
	names := make([]string, 0, len(in.Topics))
	for _, t := range in.Topics {
		names = append(names, t.Name)
	}
	return names
}

// SchemaConflictPolicy decides what a schema conflict between merged sources does.
type SchemaConflictPolicy string

const (
	// SchemaConflictFirstSeen keeps the first-seen schema and records a warning alert.
	SchemaConflictFirstSeen SchemaConflictPolicy = "first-seen"
	// SchemaConflictReject fails the merge with ErrSchemaConflict.
	SchemaConflictReject SchemaConflictPolicy = "reject"
)

// ValidSchemaConflictPolicies is the set of recognized policy names.
var ValidSchemaConflictPolicies = map[string]bool{"": true, string(SchemaConflictFirstSeen): true, string(SchemaConflictReject): true}

// MergeInitializations folds inits into one aggregate.
//
// Start/End take the min/max; per-topic stats sum message counts and take the
// earliest first and latest last message time. These parts are associative and
// independent of argument order. Topics and datatypes are unioned; a topic or
// datatype redeclared with a different schema is handled per policy, keeping
// the first-seen declaration.
func MergeInitializations(policy SchemaConflictPolicy, inits ...*Initialization) (*Initialization, error) {
	merged := &Initialization{
		Datatypes:         make(map[string]Schema),
		TopicStats:        make(map[string]TopicStats),
		PublishersByTopic: make(map[string][]string),
	}
	if len(inits) == 0 {
		return merged, nil
	}
	merged.Start = MaxTime
	merged.End = MinTime
	merged.Profile = inits[0].Profile

	topics := make(map[string]Topic)
	for _, in := range inits {
		merged.Start = minTime(merged.Start, in.Start)
		merged.End = maxTime(merged.End, in.End)

		for name, stats := range in.TopicStats {
			merged.TopicStats[name] = mergeTopicStats(merged.TopicStats[name], stats, hasStats(merged.TopicStats, name))
		}

		for _, topic := range in.Topics {
			prev, seen := topics[topic.Name]
			if !seen {
				topics[topic.Name] = topic
				continue
			}
			if prev.SchemaName != topic.SchemaName {
				msg := fmt.Sprintf("topic %q declared with schema %q and %q; using %q", topic.Name, prev.SchemaName, topic.SchemaName, prev.SchemaName)
				if err := onSchemaConflict(policy, merged, msg); err != nil {
					return nil, err
				}
			}
		}

		for name, schema := range in.Datatypes {
			prev, seen := merged.Datatypes[name]
			if !seen {
				merged.Datatypes[name] = schema
				continue
			}
			if prev.Encoding != schema.Encoding || !bytes.Equal(prev.Data, schema.Data) {
				msg := fmt.Sprintf("datatype %q has conflicting definitions; using the first seen", name)
				if err := onSchemaConflict(policy, merged, msg); err != nil {
					return nil, err
				}
			}
		}

		for topic, pubs := range in.PublishersByTopic {
			merged.PublishersByTopic[topic] = unionSorted(merged.PublishersByTopic[topic], pubs)
		}

		merged.Metadata = append(merged.Metadata, in.Metadata...)
		merged.Alerts = append(merged.Alerts, in.Alerts...)
		if merged.Profile != in.Profile {
			merged.Profile = ""
		}
	}

	merged.Topics = make([]Topic, 0, len(topics))
	for _, t := range topics {
		merged.Topics = append(merged.Topics, t)
	}
	sort.Slice(merged.Topics, func(i, j int) bool { return merged.Topics[i].Name < merged.Topics[j].Name })
	return merged, nil
}

func hasStats(stats map[string]TopicStats, name string) bool {
	_, ok := stats[name]
	return ok
}

// mergeTopicStats combines two stats for the same topic. When the accumulator
// is empty the incoming stats are carried through unchanged.
func mergeTopicStats(acc, in TopicStats, accPresent bool) TopicStats {
	if !accPresent {
		return in
	}
	return TopicStats{
		NumMessages:      acc.NumMessages + in.NumMessages,
		FirstMessageTime: minTime(acc.FirstMessageTime, in.FirstMessageTime),
		LastMessageTime:  maxTime(acc.LastMessageTime, in.LastMessageTime),
	}
}

func onSchemaConflict(policy SchemaConflictPolicy, merged *Initialization, msg string) error {
	if policy == SchemaConflictReject {
		return fmt.Errorf("%w: %s", ErrSchemaConflict, msg)
	}
	logrus.Warnf("MergeInitializations: %s", msg)
	merged.Alerts = append(merged.Alerts, NewAlert(SeverityWarn, AlertSchemaConflict, "", msg, ErrSchemaConflict))
	return nil
}

// unionSorted returns the sorted, deduplicated union of a and b.
func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

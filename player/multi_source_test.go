package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenarioSources returns file A spanning [0,10]s with five /a messages and
// file B spanning [5,15]s with five /b messages.
func scenarioSources() (*MemorySource, *MemorySource) {
	var a, b []MessageEvent
	for i := 0; i < 5; i++ {
		a = append(a, testMsg("/a", TimeFromSeconds(float64(i)*2.5), 10))
		b = append(b, testMsg("/b", TimeFromSeconds(5+float64(i)*2.5), 10))
	}
	return NewMemorySource("A", a), NewMemorySource("B", b)
}

func TestMultiSource_MergesTwoFiles(t *testing.T) {
	// GIVEN file A over [0,10]s with /a and file B over [5,15]s with /b
	a, b := scenarioSources()
	src := ComposeSources([]SourceInput{{ID: "A", Source: a}, {ID: "B", Source: b}})
	ctx := context.Background()

	// WHEN initialized
	ini, err := src.Initialize(ctx)
	require.NoError(t, err)

	// THEN the merged range and topics cover both files
	assert.Equal(t, TimeFromSeconds(0), ini.Start)
	assert.Equal(t, TimeFromSeconds(15), ini.End)
	assert.Equal(t, []string{"/a", "/b"}, ini.TopicNames())

	// AND the merged stream yields all ten messages in time order
	it, err := src.MessageIterator(ctx, IteratorArgs{Topics: []string{"/a", "/b"}, Start: ini.Start, End: ini.End})
	require.NoError(t, err)
	events := drain(t, it)
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Time, events[i].Time)
	}
	assert.Equal(t, "A", events[0].Message.SourceID)
}

func TestMultiSource_BackfillAcrossFiles(t *testing.T) {
	// GIVEN the two-file data set
	a, b := scenarioSources()
	src := ComposeSources([]SourceInput{{ID: "A", Source: a}, {ID: "B", Source: b}})
	ctx := context.Background()
	_, err := src.Initialize(ctx)
	require.NoError(t, err)

	// WHEN backfilling at t=12s
	msgs, err := src.BackfillMessages(ctx, BackfillArgs{Topics: []string{"/a", "/b"}, Time: TimeFromSeconds(12)})
	require.NoError(t, err)

	// THEN /a resolves to its last message at 10s and /b to the latest at or before 12s
	require.Len(t, msgs, 2)
	assert.Equal(t, "/a", msgs[0].Topic)
	assert.Equal(t, TimeFromSeconds(10), msgs[0].ReceiveTime)
	assert.Equal(t, "/b", msgs[1].Topic)
	assert.Equal(t, TimeFromSeconds(10), msgs[1].ReceiveTime)
}

func TestMultiSource_BackfillTieGoesToLaterChild(t *testing.T) {
	first := NewMemorySource("first", []MessageEvent{testMsg("/x", 100, 1)})
	second := NewMemorySource("second", []MessageEvent{testMsg("/x", 100, 2)})
	src := ComposeSources([]SourceInput{{ID: "first", Source: first}, {ID: "second", Source: second}})
	_, err := src.Initialize(context.Background())
	require.NoError(t, err)

	msgs, err := src.BackfillMessages(context.Background(), BackfillArgs{Topics: []string{"/x"}, Time: 100})

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].SourceID)
}

func TestMultiSource_InitFailureClosesOpenedChildren(t *testing.T) {
	// GIVEN one good child and one that fails to initialize
	good := NewMemorySource("good", []MessageEvent{testMsg("/a", 1, 1)})
	bad := NewMemorySource("bad", nil, WithInitError(errors.New("corrupt index")))
	src := ComposeSources([]SourceInput{{ID: "good", Source: good}, {ID: "bad", Source: bad}})

	// WHEN initialized
	_, err := src.Initialize(context.Background())

	// THEN the composite fails naming the bad child, and the good one is released
	var ie *SourceInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "bad", ie.SourceID)
	assert.True(t, good.Closed())
}

func TestMultiSource_OpensURLsThroughOpener(t *testing.T) {
	opened := make(map[string]bool)
	open := func(ctx context.Context, url string) (IterableSource, error) {
		opened[url] = true
		return NewMemorySource(url, []MessageEvent{testMsg("/"+url, 5, 1)}), nil
	}
	src := NewMultiSource([]string{"x", "y"}, WithOpener(open))

	ini, err := src.Initialize(context.Background())

	require.NoError(t, err)
	assert.True(t, opened["x"] && opened["y"])
	assert.Equal(t, []string{"/x", "/y"}, ini.TopicNames())
}

func TestMultiSource_SkipsChildrenOutsideFilter(t *testing.T) {
	a, b := scenarioSources()
	src := ComposeSources([]SourceInput{{ID: "A", Source: a}, {ID: "B", Source: b}})
	_, err := src.Initialize(context.Background())
	require.NoError(t, err)

	// WHEN iterating a window before B begins
	it, err := src.MessageIterator(context.Background(), IteratorArgs{Topics: []string{"/a", "/b"}, Start: 0, End: TimeFromSeconds(4)})
	require.NoError(t, err)
	events := drain(t, it)

	// THEN only A was opened
	assert.Len(t, events, 2)
	assert.Equal(t, int64(1), a.OpenIterators())
	assert.Equal(t, int64(0), b.OpenIterators())
}

func TestMultiSource_StreamFailureNamesChild(t *testing.T) {
	boom := errors.New("truncated chunk")
	a := NewMemorySource("A", []MessageEvent{testMsg("/a", 1, 1), testMsg("/a", 2, 1), testMsg("/a", 3, 1)}, WithFailAfter(1, boom))
	src := ComposeSources([]SourceInput{{ID: "A", Source: a}})
	_, err := src.Initialize(context.Background())
	require.NoError(t, err)
	it, err := src.MessageIterator(context.Background(), IteratorArgs{Topics: []string{"/a"}, Start: 0, End: MaxTime})
	require.NoError(t, err)

	_, err = it.Next(context.Background())
	require.NoError(t, err)
	_, err = it.Next(context.Background())

	var re *StreamReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "A", re.SourceID)
	assert.ErrorIs(t, err, boom)
}

func TestMultiSource_BackfillHonorsCancellation(t *testing.T) {
	slow := NewMemorySource("slow", []MessageEvent{testMsg("/a", 1, 1)},
		WithBackfillHook(func(ctx context.Context, _ BackfillArgs) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	src := ComposeSources([]SourceInput{{ID: "slow", Source: slow}})
	_, err := src.Initialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.BackfillMessages(ctx, BackfillArgs{Topics: []string{"/a"}, Time: 5})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

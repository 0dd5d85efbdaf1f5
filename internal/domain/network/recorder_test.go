package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	samples  []Sample
	failures int
	block    chan struct{}
}

func (f *fakeSink) Append(_ context.Context, s Sample) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func TestRecorderPersistsWithRetry(t *testing.T) {
	sink := &fakeSink{failures: 2}
	var notified []Sample
	var mu sync.Mutex

	r := NewRecorder(sink, RecorderConfig{
		QueueSize:  4,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnRecorded: func(s Sample) {
			mu.Lock()
			notified = append(notified, s)
			mu.Unlock()
		},
	}, nil)
	r.Start(context.Background())

	ok, err := r.Record(Sample{Bandwidth: 42, Latency: 20, ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, sink.count())
	assert.False(t, sink.samples[0].ObservedAt.IsZero())
	assert.Len(t, notified, 1)
	assert.Equal(t, RecorderStats{Accepted: 1, Recorded: 1}, r.Stats())
}

func TestRecorderGivesUpAfterRetries(t *testing.T) {
	sink := &fakeSink{failures: 10}
	r := NewRecorder(sink, RecorderConfig{MaxRetries: 1, RetryDelay: time.Millisecond}, nil)
	r.Start(context.Background())

	_, err := r.Record(Sample{Bandwidth: 1, Latency: 1})
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, 0, sink.count())
	assert.EqualValues(t, 1, r.Stats().Failed)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	r := NewRecorder(sink, RecorderConfig{QueueSize: 1}, nil)

	// not started: the queue holds exactly one sample
	ok, err := r.Record(Sample{Bandwidth: 1, Latency: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Record(Sample{Bandwidth: 2, Latency: 2})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, r.Stats().Dropped)

	close(sink.block)
	r.Start(context.Background())
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestRecorderRejectsInvalidAndStopped(t *testing.T) {
	r := NewRecorder(&fakeSink{}, RecorderConfig{}, nil)
	r.Start(context.Background())

	_, err := r.Record(Sample{Bandwidth: -5, Latency: 1})
	assert.Error(t, err)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	_, err = r.Record(Sample{Bandwidth: 5, Latency: 1})
	assert.Error(t, err)
}

func TestRecorderStopWithoutStart(t *testing.T) {
	r := NewRecorder(&fakeSink{}, RecorderConfig{QueueSize: 4}, nil)
	accepted, err := r.Record(Sample{Bandwidth: 10, Latency: 50})
	require.NoError(t, err)
	require.True(t, accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, r.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, r.Stats().Dropped)

	// starting after Stop does nothing
	r.Start(context.Background())
	require.NoError(t, r.Stop(ctx))
}

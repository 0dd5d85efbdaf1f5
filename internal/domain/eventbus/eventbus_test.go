package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncEventBusDelivers(t *testing.T) {
	bus := NewAsyncEventBus(2, 16, nil)
	bus.Start()
	defer bus.Stop()

	var (
		mu  sync.Mutex
		got []ImageEnhancedEvent
	)
	require.NoError(t, bus.Subscribe(EventImageEnhanced, func(e ImageEnhancedEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}))
	assert.True(t, bus.HasCallback(EventImageEnhanced))

	for i := 0; i < 5; i++ {
		bus.PublishAsync(EventImageEnhanced, ImageEnhancedEvent{ImageID: "p", ModelID: "espcn"})
	}
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 5)
	assert.Equal(t, "espcn", got[0].ModelID)
}

func TestAsyncEventBusDropsWhenFull(t *testing.T) {
	// not started: nothing drains the queue
	bus := NewAsyncEventBus(1, 2, nil)
	for i := 0; i < 5; i++ {
		bus.PublishAsync(EventNetworkSample, NetworkSampleEvent{Bandwidth: float64(i)})
	}
	assert.EqualValues(t, 3, bus.Dropped())

	bus.Start()
	bus.Wait()
	bus.Stop()
	bus.Stop()
}

func TestAsyncEventBusRecoversFromPanics(t *testing.T) {
	bus := NewAsyncEventBus(1, 4, nil)
	bus.Start()
	defer bus.Stop()

	calls := 0
	require.NoError(t, bus.Subscribe(EventLineageIngested, func(e LineageIngestedEvent) {
		calls++
		if e.ImageID == "bad" {
			panic("boom")
		}
	}))

	bus.PublishAsync(EventLineageIngested, LineageIngestedEvent{ImageID: "bad"})
	bus.PublishAsync(EventLineageIngested, LineageIngestedEvent{ImageID: "good"})
	bus.Wait()
	assert.Equal(t, 2, calls)
}

func TestSubscribeLogging(t *testing.T) {
	bus := NewAsyncEventBus(1, 4, nil)
	require.NoError(t, SubscribeLogging(bus, nil))
	for _, topic := range Topics {
		assert.True(t, bus.HasCallback(topic), topic)
	}
	bus.Publish(EventCompressionCoerced, CompressionCoercedEvent{Requested: "abc", Level: 16})
}

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_AsyncDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"metrics", "ui"} {
		name := name
		b.Subscribe(RunReleased, func(e Event) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		})
	}

	b.Publish(Event{Type: RunReleased, RunID: "r1"})
	b.Publish(Event{Type: RunStarted, RunID: "r1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["metrics"] == 1 && got["ui"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBus_SyncPreservesOrder(t *testing.T) {
	b := NewSyncBus()
	var order []EventType
	for _, et := range []EventType{StageEntered, StageLeft} {
		b.Subscribe(et, func(e Event) { order = append(order, e.Type) })
	}
	b.Publish(Event{Type: StageLeft})
	b.Publish(Event{Type: StageEntered})
	assert.Equal(t, []EventType{StageLeft, StageEntered}, order)
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(Event{Type: RunMounted}) })
}

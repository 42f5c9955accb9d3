package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/pool"
	"github.com/severinstrobl/edat/pkg/region"
)

func newTestScheduler(t *testing.T, workers int) (*Scheduler, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{Workers: workers, MainThreadWorker: false, ProgressThread: true}, nil)
	t.Cleanup(p.Close)
	return New(p, region.NewManager(), nil), p
}

func makeEvent(source int, id string, val int32, persistent bool) *event.Specific {
	data := event.EncodeInts(val)
	return &event.Specific{
		SourceRank: source,
		Count:      1,
		RawLength:  len(data),
		Type:       event.Int,
		Persistent: persistent,
		ID:         id,
		Data:       data,
	}
}

func TestLocalEcho(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	got := make(chan int32, 1)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0].DecodeInt()
	}, "", []event.Key{{ID: "ping", Rank: 0}}, false)

	require.False(t, s.IsFinished(), "task still registered")
	s.RegisterEvent(makeEvent(0, "ping", 42, false))

	select {
	case v := <-got:
		require.Equal(t, int32(42), v)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.Equal(t, 0, s.OutstandingEventCount())
	require.True(t, s.IsFinished())
}

func TestEventBeforeTaskDispatchesImmediately(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	s.RegisterEvent(makeEvent(3, "ready", 7, false))
	require.Equal(t, 1, s.OutstandingEventCount())

	got := make(chan event.Event, 1)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0]
	}, "", []event.Key{{ID: "ready", Rank: 3}}, false)

	select {
	case e := <-got:
		require.Equal(t, int32(7), e.DecodeInt())
		require.Equal(t, 3, e.Metadata.Source)
		require.Equal(t, "ready", e.Metadata.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.Equal(t, 0, s.OutstandingEventCount())
}

func TestPersistentTaskTwentyEvents(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	var runs atomic.Int32
	done := make(chan struct{}, 32)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		runs.Add(1)
		done <- struct{}{}
	}, "drain", []event.Key{{ID: "a", Rank: 1}}, true)

	for i := int32(0); i < 20; i++ {
		s.RegisterEvent(makeEvent(1, "a", i, false))
	}
	for i := 0; i < 20; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d executions", runs.Load())
		}
	}
	require.Equal(t, int32(20), runs.Load())
	require.Equal(t, 0, s.OutstandingEventCount())
	require.True(t, s.IsTaskScheduled("drain"), "persistent task must stay registered")
	require.True(t, s.IsFinished(), "persistent tasks do not block finishing")
}

func TestPersistentTaskDrainsPreStoredEvents(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	for i := int32(0); i < 5; i++ {
		s.RegisterEvent(makeEvent(0, "tick", i, false))
	}
	var runs atomic.Int32
	done := make(chan struct{}, 8)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		runs.Add(1)
		done <- struct{}{}
	}, "", []event.Key{{ID: "tick", Rank: 0}}, true)
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d executions, want 5", runs.Load())
		}
	}
	require.Equal(t, 0, s.OutstandingEventCount())
}

func TestWildcardConsumesOldestAcrossSources(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	// Rank 2 fires before rank 1; the wildcard must take rank 2's event.
	s.RegisterEvent(makeEvent(2, "q", 200, false))
	s.RegisterEvent(makeEvent(1, "q", 100, false))

	got := make(chan event.Event, 1)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0]
	}, "", []event.Key{{ID: "q", Rank: event.Any}}, false)

	select {
	case e := <-got:
		require.Equal(t, 2, e.Metadata.Source, "wildcard must take the oldest event regardless of source")
		require.Equal(t, int32(200), e.DecodeInt())
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.Equal(t, 1, s.OutstandingEventCount(), "the younger event stays stored")
}

func TestWildcardMatchesIncomingEvent(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	got := make(chan event.Event, 1)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0]
	}, "", []event.Key{{ID: "q", Rank: event.Any}}, false)

	s.RegisterEvent(makeEvent(1, "q", 100, false))
	select {
	case e := <-got:
		require.Equal(t, 1, e.Metadata.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	s.mu.Lock()
	require.Empty(t, s.registered, "transient task must not stay registered")
	s.mu.Unlock()
	require.Equal(t, 0, s.OutstandingEventCount())
}

func TestDependencyMultiplicityAndPayloadOrder(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	got := make(chan []event.Event, 1)
	s.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events
	}, "", []event.Key{
		{ID: "a", Rank: 0},
		{ID: "b", Rank: 0},
		{ID: "a", Rank: 0},
	}, false)

	s.RegisterEvent(makeEvent(0, "a", 1, false))
	s.RegisterEvent(makeEvent(0, "b", 2, false))
	s.RegisterEvent(makeEvent(0, "a", 3, false))

	select {
	case events := <-got:
		require.Len(t, events, 3)
		require.Equal(t, int32(1), events[0].DecodeInt(), "first declared slot gets the first arrival on its key")
		require.Equal(t, int32(2), events[1].DecodeInt())
		require.Equal(t, int32(3), events[2].DecodeInt(), "second slot on the same key gets the second arrival")
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestPersistentEventSatisfiesManyTasks(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	var runs atomic.Int32
	done := make(chan struct{}, 4)
	body := func(_ pool.ExecCtx, events []event.Event) {
		runs.Add(1)
		done <- struct{}{}
	}
	s.RegisterTask(body, "", []event.Key{{ID: "cfg", Rank: 0}}, false)
	s.RegisterTask(body, "", []event.Key{{ID: "cfg", Rank: 0}}, false)

	s.RegisterEvent(makeEvent(0, "cfg", 9, true))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d executions", runs.Load())
		}
	}
	// The persistent event stays stored and satisfies later tasks too.
	require.Equal(t, 0, s.OutstandingEventCount(), "persistent events do not count")
	s.RegisterTask(body, "", []event.Key{{ID: "cfg", Rank: 0}}, false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stored persistent event did not satisfy a later task")
	}
	require.True(t, s.IsFinished(), "persistent events do not block finishing")
}

func TestDescheduleTask(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	require.False(t, s.DescheduleTask("nope"), "unknown name returns false")
	s.RegisterTask(func(pool.ExecCtx, []event.Event) {}, "named", []event.Key{{ID: "x", Rank: 0}}, false)
	require.True(t, s.IsTaskScheduled("named"))
	require.True(t, s.DescheduleTask("named"))
	require.False(t, s.IsTaskScheduled("named"))
	require.False(t, s.DescheduleTask("named"))
}

func TestRetrieveAnyMatchingEvents(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	s.RegisterEvent(makeEvent(0, "have", 5, false))

	events := s.RetrieveAnyMatchingEvents([]event.Key{
		{ID: "have", Rank: 0},
		{ID: "missing", Rank: 0},
	})
	require.Len(t, events, 1)
	require.Equal(t, int32(5), events[0].DecodeInt())
	require.Equal(t, 0, s.OutstandingEventCount())

	require.Empty(t, s.RetrieveAnyMatchingEvents([]event.Key{{ID: "have", Rank: 0}}))
}

func TestPauseTaskResumesOnEvent(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	got := make(chan int32, 1)
	s.RegisterTask(func(exec pool.ExecCtx, events []event.Event) {
		payload := s.PauseTask(&exec, []event.Key{{ID: "z", Rank: 0}})
		got <- payload[0].DecodeInt()
	}, "", []event.Key{{ID: "x", Rank: 0}}, false)

	s.RegisterEvent(makeEvent(0, "x", 1, false))
	// Give the task time to park before satisfying it.
	time.Sleep(20 * time.Millisecond)
	s.RegisterEvent(makeEvent(0, "z", 33, false))

	select {
	case v := <-got:
		require.Equal(t, int32(33), v)
	case <-time.After(5 * time.Second):
		t.Fatal("paused task did not resume")
	}
}

func TestPauseTaskSatisfiedImmediately(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	s.RegisterEvent(makeEvent(0, "z", 12, false))
	got := make(chan int32, 1)
	s.RegisterTask(func(exec pool.ExecCtx, events []event.Event) {
		payload := s.PauseTask(&exec, []event.Key{{ID: "z", Rank: 0}})
		got <- payload[0].DecodeInt()
	}, "", []event.Key{{ID: "x", Rank: 0}}, false)
	s.RegisterEvent(makeEvent(0, "x", 1, false))
	select {
	case v := <-got:
		require.Equal(t, int32(12), v)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
}

func TestPendingTasksHavePriorityOverPaused(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	var mu sync.Mutex
	var order []string
	pausedUp := make(chan struct{})
	done := make(chan struct{}, 2)

	s.RegisterTask(func(exec pool.ExecCtx, events []event.Event) {
		close(pausedUp)
		s.PauseTask(&exec, []event.Key{{ID: "shared", Rank: 0}})
		mu.Lock()
		order = append(order, "paused")
		mu.Unlock()
		done <- struct{}{}
	}, "", []event.Key{{ID: "go", Rank: 0}}, false)
	s.RegisterEvent(makeEvent(0, "go", 0, false))
	<-pausedUp
	time.Sleep(20 * time.Millisecond)

	s.RegisterTask(func(pool.ExecCtx, []event.Event) {
		mu.Lock()
		order = append(order, "pending")
		mu.Unlock()
		done <- struct{}{}
	}, "", []event.Key{{ID: "shared", Rank: 0}}, false)

	// One event: the registered pending task must win it.
	s.RegisterEvent(makeEvent(0, "shared", 1, false))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no task consumed the event")
	}
	mu.Lock()
	require.Equal(t, []string{"pending"}, order)
	mu.Unlock()

	// A second event releases the paused task.
	s.RegisterEvent(makeEvent(0, "shared", 2, false))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("paused task never resumed")
	}
}

func TestInvariantRearmedTemplate(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	ran := make(chan struct{}, 4)
	s.RegisterTask(func(pool.ExecCtx, []event.Event) {
		ran <- struct{}{}
	}, "tmpl", []event.Key{{ID: "k", Rank: 0}}, true)

	s.RegisterEvent(makeEvent(0, "k", 1, false))
	<-ran

	s.mu.Lock()
	require.Len(t, s.registered, 1)
	tmpl := s.registered[0]
	require.True(t, tmpl.OutstandingDependencies.total() == tmpl.OriginalDependencies.total(),
		"after dispatch the template re-arms to its original dependencies")
	require.Zero(t, tmpl.NumArrivedEvents)
	require.Empty(t, tmpl.ArrivedEvents.entries)
	s.mu.Unlock()
}

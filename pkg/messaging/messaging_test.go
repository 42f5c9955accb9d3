package messaging

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/severinstrobl/edat/pkg/config"
	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/pool"
	"github.com/severinstrobl/edat/pkg/region"
	"github.com/severinstrobl/edat/pkg/scheduler"
	"github.com/severinstrobl/edat/pkg/transport/mem"
)

type stack struct {
	sched *scheduler.Scheduler
	pool  *pool.Pool
	msg   *Messaging
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NumThreads = 2
	cfg.MainThreadWorker = false
	cfg.ProgressThread = true
	return cfg
}

func newStack(t *testing.T, ep *mem.Endpoint, cfg *config.Config) *stack {
	t.Helper()
	p := pool.New(pool.Config{Workers: cfg.NumThreads, MainThreadWorker: false, ProgressThread: cfg.ProgressThread}, nil)
	t.Cleanup(p.Close)
	s := scheduler.New(p, region.NewManager(), nil)
	m := New(ep, nil, s, region.NewManager(), cfg, p.IsIdle, nil)
	p.SetProgress(m)
	m.StartProgressThread()
	t.Cleanup(func() { m.continuePolling.Store(false) })
	return &stack{sched: s, pool: p, msg: m}
}

func newWorld(t *testing.T, ranks int, cfg func() *config.Config) []*stack {
	t.Helper()
	w := mem.NewWorld(ranks)
	eps := w.Endpoints()
	out := make([]*stack, ranks)
	for i := range out {
		out[i] = newStack(t, eps[i], cfg())
	}
	return out
}

func TestLocalFireDeliversDirectly(t *testing.T) {
	stacks := newWorld(t, 1, testConfig)
	got := make(chan int32, 1)
	stacks[0].sched.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0].DecodeInt()
	}, "", []event.Key{{ID: "ping", Rank: 0}}, false)

	require.NoError(t, stacks[0].msg.FireEvent(event.EncodeInts(42), 1, event.Int, 0, false, "ping"))
	select {
	case v := <-got:
		require.Equal(t, int32(42), v)
	case <-time.After(5 * time.Second):
		t.Fatal("local event not delivered")
	}
}

func TestRemoteFireDelivered(t *testing.T) {
	stacks := newWorld(t, 2, testConfig)
	got := make(chan event.Event, 1)
	stacks[1].sched.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0]
	}, "", []event.Key{{ID: "data", Rank: 0}}, false)

	require.NoError(t, stacks[0].msg.FireEvent(event.EncodeInts(7, 8), 2, event.Int, 1, false, "data"))
	select {
	case e := <-got:
		require.Equal(t, 0, e.Metadata.Source)
		require.Equal(t, 2, e.Metadata.NumElements)
		require.Equal(t, []int32{7, 8}, e.DecodeInts())
	case <-time.After(5 * time.Second):
		t.Fatal("remote event not delivered")
	}
}

func TestBroadcastReachesEveryRank(t *testing.T) {
	stacks := newWorld(t, 3, testConfig)
	var hits atomic.Int32
	done := make(chan struct{}, 3)
	for _, st := range stacks {
		st.sched.RegisterTask(func(pool.ExecCtx, []event.Event) {
			hits.Add(1)
			done <- struct{}{}
		}, "", []event.Key{{ID: "bcast", Rank: 1}}, false)
	}
	require.NoError(t, stacks[1].msg.FireEvent(nil, 0, event.NoType, event.All, false, "bcast"))
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("broadcast reached only %d ranks", hits.Load())
		}
	}
}

func TestNullPayloadNoType(t *testing.T) {
	stacks := newWorld(t, 1, testConfig)
	got := make(chan event.Event, 1)
	stacks[0].sched.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
		got <- events[0]
	}, "", []event.Key{{ID: "go", Rank: 0}}, false)
	require.NoError(t, stacks[0].msg.FireEvent(nil, 0, event.NoType, 0, false, "go"))
	select {
	case e := <-got:
		require.Nil(t, e.Data)
		require.Equal(t, 0, e.Metadata.NumElements)
		require.Equal(t, event.NoType, e.Metadata.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestInvalidTargetRejected(t *testing.T) {
	stacks := newWorld(t, 2, testConfig)
	require.Error(t, stacks[0].msg.FireEvent(nil, 0, event.NoType, 7, false, "x"))
	require.Error(t, stacks[0].msg.FireEvent(nil, 0, event.NoType, -9, false, "x"))
}

func TestBatchingFlushesOnThresholdAndTimeout(t *testing.T) {
	cfg := func() *config.Config {
		c := testConfig()
		c.BatchEvents = true
		c.MaxBatchedEvents = 5
		c.BatchingEventsTimeout = 0.05
		return c
	}
	stacks := newWorld(t, 2, cfg)
	var hits atomic.Int32
	done := make(chan struct{}, 16)
	stacks[1].sched.RegisterTask(func(pool.ExecCtx, []event.Event) {
		hits.Add(1)
		done <- struct{}{}
	}, "sink", []event.Key{{ID: "n", Rank: 0}}, true)

	// Seven events: five flush on the threshold, two on the idle timeout.
	for i := int32(0); i < 7; i++ {
		require.NoError(t, stacks[0].msg.FireEvent(event.EncodeInts(i), 1, event.Int, 1, false, "n"))
	}
	for i := 0; i < 7; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 7 batched events delivered", hits.Load())
		}
	}
}

func TestQuiescenceNoEventsTerminatesQuickly(t *testing.T) {
	stacks := newWorld(t, 2, testConfig)
	for _, st := range stacks {
		st.msg.EnableTermination()
	}
	require.Eventually(t, func() bool {
		return stacks[0].msg.Terminated() && stacks[1].msg.Terminated()
	}, 10*time.Second, time.Millisecond, "an idle system must terminate")
}

func TestQuiescenceSingleRank(t *testing.T) {
	stacks := newWorld(t, 1, testConfig)
	stacks[0].msg.EnableTermination()
	require.Eventually(t, stacks[0].msg.Terminated, 10*time.Second, time.Millisecond)
}

func TestQuiescenceWaitsForOutstandingWork(t *testing.T) {
	stacks := newWorld(t, 2, testConfig)

	const hops = 8
	var finalHop atomic.Bool
	for r := 0; r < 2; r++ {
		r := r
		st := stacks[r]
		// Persistent forwarders bounce the event between the ranks; the
		// runtime must not terminate while hops are in flight.
		st.sched.RegisterTask(func(_ pool.ExecCtx, events []event.Event) {
			hop := events[0].DecodeInt()
			if hop >= hops {
				finalHop.Store(true)
				return
			}
			require.NoError(t, st.msg.FireEvent(event.EncodeInts(hop+1), 1, event.Int, 1-r, false, "hop"))
		}, "", []event.Key{{ID: "hop", Rank: 1 - r}}, true)
	}

	for _, st := range stacks {
		st.msg.EnableTermination()
	}
	require.NoError(t, stacks[0].msg.FireEvent(event.EncodeInts(0), 1, event.Int, 1, false, "hop"))

	require.Eventually(t, func() bool {
		return stacks[0].msg.Terminated() && stacks[1].msg.Terminated()
	}, 20*time.Second, time.Millisecond)
	require.True(t, finalHop.Load(), "termination decided before the event chain finished")
}

func TestLocalQuiescencePredicate(t *testing.T) {
	stacks := newWorld(t, 1, testConfig)
	st := stacks[0]
	require.True(t, st.msg.IsFinishedLocally())

	// A registered transient task blocks local quiescence.
	st.sched.RegisterTask(func(pool.ExecCtx, []event.Event) {}, "t", []event.Key{{ID: "never", Rank: 0}}, false)
	require.False(t, st.msg.IsFinishedLocally())
	require.True(t, st.sched.DescheduleTask("t"))
	require.True(t, st.msg.IsFinishedLocally())

	// A queued local event blocks it too, until the poll loop drains it.
	st.msg.QueueLocalEvent(&event.Specific{SourceRank: 0, Type: event.NoType, ID: "stray"})
	require.False(t, st.msg.IsFinishedLocally())
	require.Eventually(t, func() bool {
		// The stray event ends up stored, so quiescence now depends on
		// the scheduler counter.
		return st.sched.OutstandingEventCount() == 1
	}, 5*time.Second, time.Millisecond)
}

package tcp

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/severinstrobl/edat/pkg/transport"
)

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

func dialMesh(t *testing.T, n int) []*Endpoint {
	t.Helper()
	addrs := freeAddrs(t, n)
	eps := make([]*Endpoint, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eps[i], errs[i] = NewEndpoint(i, addrs, nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
	for _, ep := range eps {
		ep := ep
		t.Cleanup(func() { _ = ep.Close() })
	}
	return eps
}

func recvEventually(t *testing.T, ep *Endpoint, tag int) (int, []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if src, ok := ep.Probe(tag); ok {
			b, err := ep.Recv(src, tag)
			require.NoError(t, err)
			return src, b
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no message with tag %d", tag)
	return 0, nil
}

func TestMeshSendRecv(t *testing.T) {
	eps := dialMesh(t, 3)

	var h transport.SendHandle
	var err error
	h, err = eps[0].Send(2, 100, []byte("hello"))
	require.NoError(t, err)

	src, payload := recvEventually(t, eps[2], 100)
	require.Equal(t, 0, src)
	require.Equal(t, "hello", string(payload))

	require.Eventually(t, h.Complete, 5*time.Second, time.Millisecond,
		"receipt ack must complete the send")
}

func TestPerPairOrdering(t *testing.T) {
	eps := dialMesh(t, 2)
	for i := 0; i < 10; i++ {
		_, err := eps[0].Send(1, 100, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, payload := recvEventually(t, eps[1], 100)
		require.Equal(t, fmt.Sprintf("m%d", i), string(payload))
	}
}

func TestBarrier(t *testing.T) {
	eps := dialMesh(t, 3)
	var wg sync.WaitGroup
	for _, ep := range eps {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, ep.Barrier())
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("barrier hung")
	}
}

package hub

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type fakeConn struct {
	id   string
	fail bool

	mu       sync.Mutex
	payloads [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload []byte) error {
	if c.fail {
		return errors.New("send failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *fakeConn) delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func testHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestRegisterUnregister tracks the connection count through the lifecycle.
func TestRegisterUnregister(t *testing.T) {
	h := testHub()

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	h.Register(a)
	h.Register(b)

	if got := h.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	h.Unregister("a")
	if got := h.Count(); got != 1 {
		t.Fatalf("count after unregister = %d, want 1", got)
	}

	// Unknown ids are a no-op.
	h.Unregister("a")
	h.Unregister("never-registered")
	if got := h.Count(); got != 1 {
		t.Fatalf("count after repeated unregister = %d, want 1", got)
	}
}

// TestBroadcastReachesAll delivers one payload to every registered
// connection.
func TestBroadcastReachesAll(t *testing.T) {
	h := testHub()

	conns := []*fakeConn{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, c := range conns {
		h.Register(c)
	}

	h.Broadcast(EventNewData, []byte(`[]`))

	for _, c := range conns {
		if got := c.delivered(); got != 1 {
			t.Errorf("conn %s delivered = %d, want 1", c.id, got)
		}
	}
}

// TestBroadcastFailureIsolated expects one failing connection not to stop
// delivery to the rest.
func TestBroadcastFailureIsolated(t *testing.T) {
	h := testHub()

	dead := &fakeConn{id: "dead", fail: true}
	alive := &fakeConn{id: "alive"}
	h.Register(dead)
	h.Register(alive)

	h.Broadcast(EventNewData, []byte(`[]`))

	if got := alive.delivered(); got != 1 {
		t.Errorf("alive conn delivered = %d, want 1", got)
	}
}

// TestBroadcastDuringChurn runs broadcasts while connections register and
// unregister concurrently; the race detector verifies the registry locking.
func TestBroadcastDuringChurn(t *testing.T) {
	h := testHub()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			for j := 0; j < 50; j++ {
				h.Register(&fakeConn{id: id})
				h.Unregister(id)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			h.Broadcast(EventNewData, []byte(`[]`))
		}
	}()

	wg.Wait()
}

package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/threatdeck/types"
)

// fakeConn records sends and can simulate a closed or failing transport
type fakeConn struct {
	mu      sync.Mutex
	open    bool
	sendErr error
	sent    [][]byte
}

func newFakeConn(open bool) *fakeConn {
	return &fakeConn{open: open}
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestAddDoesNotDoubleCount(t *testing.T) {
	r := New()
	conn := newFakeConn(true)

	r.Add(conn)
	r.Add(conn)

	assert.Equal(t, 1, r.Count())
}

func TestAddNilIsNoOp(t *testing.T) {
	r := New()
	r.Add(nil)
	assert.Equal(t, 0, r.Count())
}

func TestRemoveUnknownIsNoOp(t *testing.T) {
	r := New()
	r.Add(newFakeConn(true))

	r.Remove(newFakeConn(true))
	assert.Equal(t, 1, r.Count())

	r.Remove(nil)
	assert.Equal(t, 1, r.Count())
}

func TestRemove(t *testing.T) {
	r := New()
	conn := newFakeConn(true)
	r.Add(conn)

	r.Remove(conn)
	assert.Equal(t, 0, r.Count())
}

func TestList(t *testing.T) {
	r := New()
	a := newFakeConn(true)
	b := newFakeConn(false)
	r.Add(a)
	r.Add(b)

	assert.ElementsMatch(t, []Conn{a, b}, r.List())
}

func TestBroadcastSkipsClosedConnections(t *testing.T) {
	r := New()
	open := newFakeConn(true)
	closed := newFakeConn(false)
	r.Add(open)
	r.Add(closed)

	msg := types.NewConnectionStatus("connected")
	require.NoError(t, r.Broadcast(msg))

	assert.Equal(t, 1, open.sentCount())
	assert.Equal(t, 0, closed.sentCount())
	// Closed connections stay registered until the transport removes them
	assert.Equal(t, 2, r.Count())
}

func TestBroadcastSerializesOnce(t *testing.T) {
	r := New()
	conn := newFakeConn(true)
	r.Add(conn)

	msg := types.NewConnectionStatus("connected")
	require.NoError(t, r.Broadcast(msg))

	require.Equal(t, 1, conn.sentCount())

	var decoded types.Message
	require.NoError(t, json.Unmarshal(conn.sent[0], &decoded))
	assert.Equal(t, types.MessageTypeConnectionStatus, decoded.Type)
}

func TestBroadcastIsolatesSendFailures(t *testing.T) {
	r := New()
	failing := newFakeConn(true)
	failing.sendErr = errors.New("write: broken pipe")
	healthy := newFakeConn(true)
	r.Add(failing)
	r.Add(healthy)

	require.NoError(t, r.Broadcast(types.NewConnectionStatus("connected")))

	assert.Equal(t, 1, healthy.sentCount(),
		"a failed send on one connection must not block the others")
}

func TestBroadcastEmptyRegistry(t *testing.T) {
	r := New()
	assert.NoError(t, r.Broadcast(types.NewConnectionStatus("connected")))
}

func TestConcurrentAddRemoveDuringBroadcast(t *testing.T) {
	r := New()
	for i := 0; i < 20; i++ {
		r.Add(newFakeConn(true))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Broadcast(types.NewConnectionStatus("connected"))
		}()
		go func() {
			defer wg.Done()
			conn := newFakeConn(true)
			r.Add(conn)
			r.Remove(conn)
		}()
	}
	wg.Wait()
}

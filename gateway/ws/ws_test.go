package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/entity"
	"github.com/c360/threatdeck/generator"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/registry"
	"github.com/c360/threatdeck/types"
)

type harness struct {
	reg      *registry.Registry
	endpoint *Endpoint
	server   *httptest.Server
	url      string
}

func newHarness(t *testing.T, options ...Option) *harness {
	t.Helper()

	changes := changelog.NewMemoryStore()
	require.NoError(t, changes.Append(context.Background(), types.EntityChange{
		EntityID:     "server-001",
		EntityType:   types.EntityTypeServer,
		PropertyName: "cpu_usage",
		Value:        42.5,
		Timestamp:    timestamp.Format(timestamp.Now()),
	}))

	reg := registry.New()
	mgr, err := entity.NewManager(
		entity.NewMapStore(),
		generator.New(config.DefaultConfig().Simulation),
		reg,
		changes,
	)
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize(context.Background()))

	endpoint := NewEndpoint(mgr, reg, options...)
	server := httptest.NewServer(endpoint)
	t.Cleanup(func() {
		endpoint.Close()
		server.Close()
	})

	return &harness{
		reg:      reg,
		endpoint: endpoint,
		server:   server,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg types.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestEndpointSendsSnapshotThenAck(t *testing.T) {
	h := newHarness(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	snapshot := readMessage(t, conn)
	assert.Equal(t, types.MessageTypeEntityList, snapshot.Type)

	payload, err := json.Marshal(snapshot.Payload)
	require.NoError(t, err)
	var list types.EntityListPayload
	require.NoError(t, json.Unmarshal(payload, &list))
	require.Len(t, list.Entities, 1)
	assert.Equal(t, "server-001", list.Entities[0].ID)

	ack := readMessage(t, conn)
	assert.Equal(t, types.MessageTypeConnectionStatus, ack.Type)

	assert.Equal(t, 1, h.reg.Count())
}

func TestEndpointDeliversBroadcasts(t *testing.T) {
	h := newHarness(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readMessage(t, conn) // snapshot
	readMessage(t, conn) // ack

	h.reg.Broadcast(types.NewEntityUpdate("server-001", "cpu_usage", types.PropertyChange{
		Timestamp: timestamp.Now(),
		OldValue:  42.5,
		NewValue:  55.0,
	}))

	update := readMessage(t, conn)
	assert.Equal(t, types.MessageTypeEntityUpdate, update.Type)

	payload, err := json.Marshal(update.Payload)
	require.NoError(t, err)
	var body types.EntityUpdatePayload
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, "server-001", body.EntityID)
	assert.Equal(t, "cpu_usage", body.Property)
	assert.Equal(t, 55.0, body.NewValue)
}

func TestEndpointRemovesClientOnDisconnect(t *testing.T) {
	h := newHarness(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	readMessage(t, conn)
	readMessage(t, conn)
	require.Equal(t, 1, h.reg.Count())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return h.reg.Count() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndpointSupportsMultipleClients(t *testing.T) {
	h := newHarness(t)

	conns := make([]*websocket.Conn, 0, 3)
	for range 3 {
		conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
		require.NoError(t, err)
		resp.Body.Close()
		defer conn.Close()
		readMessage(t, conn)
		readMessage(t, conn)
		conns = append(conns, conn)
	}
	require.Equal(t, 3, h.reg.Count())

	h.reg.Broadcast(types.NewConnectionStatus("connected"))
	for _, conn := range conns {
		msg := readMessage(t, conn)
		assert.Equal(t, types.MessageTypeConnectionStatus, msg.Type)
	}
}

func TestEndpointRejectsDisallowedOrigin(t *testing.T) {
	h := newHarness(t, WithAllowedOrigins([]string{"http://dashboard.local"}))

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}
	require.Nil(t, conn)

	header = http.Header{"Origin": []string{"http://dashboard.local"}}
	conn, resp, err = websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, types.MessageTypeEntityList, msg.Type)
}

func TestEndpointWildcardOriginAllowsAll(t *testing.T) {
	h := newHarness(t, WithAllowedOrigins([]string{"*"}))

	header := http.Header{"Origin": []string{"http://anywhere.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, types.MessageTypeEntityList, msg.Type)
}

package ingest

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

	"github.com/nicktill/tinymeter/pkg/reading"
)

func TestReadingsHub_PublishesPersistedReadings(t *testing.T) {
	hub := NewReadingsHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// No subscribers: nothing is queued
	hub.Publish(reading.Record{MeterID: "m1", Reading: 1})
	assert.Empty(t, hub.broadcast)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	ts := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	hub.Publish(reading.Record{MeterID: "m1", Timestamp: ts, Reading: 42.5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev PersistedEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "reading_persisted", ev.Type)
	assert.Equal(t, "m1", ev.MeterID)
	assert.True(t, ts.Equal(ev.Time))
	assert.Equal(t, 42.5, ev.Reading)
}

func TestReadingsHub_ClientLeaves(t *testing.T) {
	hub := NewReadingsHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 10*time.Millisecond)
}

// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/SergioLoboAlonso/modbus-sensor-gateway/internal/eventbus"
)

func TestHub_BroadcastsPublishedEventsToConnectedClient(t *testing.T) {
	bus := eventbus.New(16)
	hub := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run's Subscribe land before we publish

	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"

	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(10 * time.Millisecond) // let the server-side register land

	bus.PublishConnectivity(2, true)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("expected a delivered event, got error: %v", err)
	}
	if msg["type"] != string(eventbus.KindDeviceOnline) {
		t.Fatalf("expected device_online event, got %v", msg["type"])
	}
}

func TestHub_ClosesClientsOnContextCancel(t *testing.T) {
	bus := eventbus.New(16)
	hub := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/socket"

	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	time.Sleep(10 * time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to close after context cancellation")
	}
}

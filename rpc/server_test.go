package rpc

import (
	"testing"
	"time"

	"github.com/ruifig/rpcgo/internal/concurrency"
	"github.com/ruifig/rpcgo/transport/tcp"
)

func TestServerAcceptsAndServesOverTCP(t *testing.T) {
	table := mustTable(t, (*calculator)(nil))
	srv := NewServer(table, func() any { return &calculator{} })

	connected := make(chan *Connection, 1)
	srv.SetOnConnected(func(c *Connection) { connected <- c })

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe("127.0.0.1:0") }()

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listening address")
	}

	sock, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientTable := mustTable(t, (*struct{})(nil))
	client := NewConnection(sock, clientTable, &struct{}{})
	go sock.Serve(client)
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the server to accept")
	}

	if srv.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", srv.ClientCount())
	}

	got, err := Call[int32](client, "Add", int32(2), int32(3)).Get()
	if err != nil || got != 5 {
		t.Fatalf("Add = %d, %v, want 5, nil", got, err)
	}

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFindUserDataLocatesMatchingClient(t *testing.T) {
	table := mustTable(t, (*calculator)(nil))
	srv := NewServer(table, func() any { return &calculator{} })

	srv.SetOnConnected(func(c *Connection) { c.SetUserData("tagged") })
	go srv.ListenAndServe("127.0.0.1:0")

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listening address")
	}

	sock, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientTable := mustTable(t, (*struct{})(nil))
	client := NewConnection(sock, clientTable, &struct{}{})
	go sock.Serve(client)
	defer client.Close()
	defer srv.Shutdown()

	deadline = time.Now().Add(time.Second)
	var found string
	var ok bool
	for time.Now().Before(deadline) {
		found, ok = FindUserData(srv, func(v string) bool { return v == "tagged" })
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok || found != "tagged" {
		t.Fatalf("FindUserData = %q, %v, want tagged, true", found, ok)
	}
}

func TestMaxConnectionsRejectsBeyondLimit(t *testing.T) {
	table := mustTable(t, (*calculator)(nil))
	srv := NewServer(table, func() any { return &calculator{} })
	srv.SetMaxConnections(1)
	go srv.ListenAndServe("127.0.0.1:0")
	defer srv.Shutdown()

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listening address")
	}

	clientTable := mustTable(t, (*struct{})(nil))

	sock1, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client1 := NewConnection(sock1, clientTable, &struct{}{})
	go sock1.Serve(client1)
	defer client1.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ClientCount() != 1 {
		time.Sleep(time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", srv.ClientCount())
	}

	sock2, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client2 := NewConnection(sock2, clientTable, &struct{}{})
	done := make(chan struct{})
	client2.SetOnDisconnected(func(err error) { close(done) })
	go sock2.Serve(client2)
	defer client2.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("a second client should have been rejected and disconnected")
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("ClientCount after rejection = %d, want 1", srv.ClientCount())
	}
}

func TestStatsCollectorTracksAcceptedConnections(t *testing.T) {
	table := mustTable(t, (*calculator)(nil))
	srv := NewServer(table, func() any { return &calculator{} })

	stats := tcp.NewStatsCollector("conn_id", "remote_addr")
	srv.SetStatsCollector(stats)

	go srv.ListenAndServe("127.0.0.1:0")
	defer srv.Shutdown()

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listening address")
	}

	clientTable := mustTable(t, (*struct{})(nil))
	sock, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := NewConnection(sock, clientTable, &struct{}{})
	go sock.Serve(client)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ClientCount() != 1 {
		time.Sleep(time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", srv.ClientCount())
	}

	client.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ClientCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	if srv.ClientCount() != 0 {
		t.Fatalf("ClientCount after disconnect = %d, want 0", srv.ClientCount())
	}
}

func TestNotificationQueueDefersCallbacks(t *testing.T) {
	table := mustTable(t, (*calculator)(nil))
	srv := NewServer(table, func() any { return &calculator{} })

	q := concurrency.NewWorkQueue()
	srv.SetNotificationQueue(q)

	var gotConn *Connection
	srv.SetOnConnected(func(c *Connection) { gotConn = c })

	go srv.ListenAndServe("127.0.0.1:0")
	defer srv.Shutdown()

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listening address")
	}

	clientTable := mustTable(t, (*struct{})(nil))
	sock, err := tcp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := NewConnection(sock, clientTable, &struct{}{})
	go sock.Serve(client)
	defer client.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && q.Empty() {
		time.Sleep(time.Millisecond)
	}
	if q.Empty() {
		t.Fatalf("onConnect callback should have been queued instead of run inline")
	}
	if gotConn != nil {
		t.Fatalf("queued callback must not have run yet")
	}

	q.Run()
	if gotConn == nil {
		t.Fatalf("draining the queue should have run the onConnect callback")
	}
}

package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// upgradedConn dials a throwaway server and hands back the server-side socket.
func upgradedConn(t *testing.T) *websocket.Conn {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	dialed, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = dialed.Close() })

	select {
	case ws := <-accepted:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade timed out")
		return nil
	}
}

func TestTrySendAfterCloseDoesNotPanic(t *testing.T) {
	t.Parallel()

	c := newWSConn(upgradedConn(t), time.Second)
	if err := c.TrySend([]byte(`{"op":"x"}`)); err != nil {
		t.Fatalf("send before close: %v", err)
	}

	c.Close()
	if err := c.TrySend([]byte(`{"op":"y"}`)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after close err = %v, want ErrConnClosed", err)
	}
	// Close is idempotent.
	c.Close()
}

func TestTrySendRacingClose(t *testing.T) {
	t.Parallel()

	// A broadcast from another connection's goroutine can hit the sender at
	// any point around disconnect; every outcome must be an error or a
	// delivery, never a panic.
	c := newWSConn(upgradedConn(t), time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.TrySend([]byte(`{"op":"event"}`))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Close()
	}()
	wg.Wait()

	if err := c.TrySend([]byte(`{"op":"late"}`)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after close err = %v, want ErrConnClosed", err)
	}
}

func TestTrySendBackpressure(t *testing.T) {
	t.Parallel()

	// No pump draining: the buffer fills and further sends are refused
	// rather than blocking the publisher.
	c := newWSConn(upgradedConn(t), time.Second)
	defer c.Close()

	var err error
	for i := 0; i < cap(c.send)+1; i++ {
		err = c.TrySend([]byte(`{"op":"event"}`))
	}
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
}

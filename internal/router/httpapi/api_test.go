package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/treble-chat/voice/internal/config"
	"github.com/treble-chat/voice/internal/router"
	"github.com/treble-chat/voice/internal/router/engine"
)

type stubEngine struct {
	mu   sync.Mutex
	next int
}

func (s *stubEngine) Capabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: []engine.RTPCodec{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}}}
}

func (s *stubEngine) CreateTransport(_ context.Context, direction engine.Direction) (*engine.TransportInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return &engine.TransportInfo{ID: fmt.Sprintf("t-%d", s.next), Direction: direction}, nil
}

func (s *stubEngine) ConnectTransport(context.Context, string, engine.ConnectParams) error {
	return nil
}

func (s *stubEngine) Produce(context.Context, string, string, engine.RTPParameters) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("p-%d", s.next), nil
}

func (s *stubEngine) Consume(_ context.Context, _ string, producerID string, _ engine.RTPCapabilities) (*engine.ConsumerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return &engine.ConsumerInfo{ID: fmt.Sprintf("c-%d", s.next), ProducerID: producerID, Kind: "audio"}, nil
}

func (s *stubEngine) CloseTransport(string) {}
func (s *stubEngine) CloseProducer(string)  {}
func (s *stubEngine) CloseConsumer(string)  {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := router.NewRegistry(&stubEngine{}, time.Minute)
	srv := httptest.NewServer(SetupRouter(&config.Router{Mode: "release", Secret: "hush"}, reg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, secret string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if secret != "" {
		req.Header.Set("X-Router-Secret", secret)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestSecretEnforced(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	if res := do(t, srv, http.MethodPut, "/rooms/c1", "", nil); res.StatusCode != http.StatusForbidden {
		t.Fatalf("no secret status = %d, want 403", res.StatusCode)
	}
	if res := do(t, srv, http.MethodPut, "/rooms/c1", "wrong", nil); res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong secret status = %d, want 403", res.StatusCode)
	}
	if res := do(t, srv, http.MethodPut, "/rooms/c1", "hush", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestHealthzOpen(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	if res := do(t, srv, http.MethodGet, "/healthz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestTransportFlowAndErrorMapping(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	if res := do(t, srv, http.MethodPut, "/rooms/c1", "hush", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("create room status = %d", res.StatusCode)
	}

	res := do(t, srv, http.MethodPost, "/rooms/c1/transports", "hush",
		map[string]any{"participantId": "alice", "direction": "send"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create transport status = %d", res.StatusCode)
	}
	var info engine.TransportInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatalf("decode transport: %v", err)
	}

	// Absent room: 404.
	res = do(t, srv, http.MethodPost, "/rooms/ghost/transports", "hush",
		map[string]any{"participantId": "alice", "direction": "send"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("absent room status = %d, want 404", res.StatusCode)
	}

	// Foreign transport handle: 403.
	res = do(t, srv, http.MethodPost, "/rooms/c1/transports/"+info.ID+"/connect", "hush",
		map[string]any{"participantId": "mallory"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign connect status = %d, want 403", res.StatusCode)
	}

	// Duplicate direction: 409.
	res = do(t, srv, http.MethodPost, "/rooms/c1/transports", "hush",
		map[string]any{"participantId": "alice", "direction": "send"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate direction status = %d, want 409", res.StatusCode)
	}

	// Produce on the owned send transport.
	res = do(t, srv, http.MethodPost, "/rooms/c1/transports/"+info.ID+"/produce", "hush",
		map[string]any{"participantId": "alice", "kind": "audio"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("produce status = %d", res.StatusCode)
	}

	// Remove is a 204, idempotently.
	for i := 0; i < 2; i++ {
		res = do(t, srv, http.MethodDelete, "/rooms/c1/participants/alice", "hush", nil)
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("remove status = %d, want 204", res.StatusCode)
		}
	}
}

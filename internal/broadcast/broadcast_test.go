package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (s *recordingSender) TrySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("backpressure")
	}
	s.msgs = append(s.msgs, data)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestPublishExceptSkipsOrigin(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	alice := &recordingSender{}
	bob := &recordingSender{}
	group := VoiceGroup("c1")
	r.Subscribe(group, "conn-alice", alice)
	r.Subscribe(group, "conn-bob", bob)

	sent := r.PublishExcept(group, "conn-alice", "participant_joined", map[string]string{"userId": "alice"})
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if alice.count() != 0 {
		t.Fatal("origin received its own event")
	}
	if bob.count() != 1 {
		t.Fatalf("bob received %d events, want 1", bob.count())
	}

	var env struct {
		Op   string            `json:"op"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(bob.msgs[0], &env); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if env.Op != "participant_joined" || env.Data["userId"] != "alice" {
		t.Fatalf("event = %+v", env)
	}
}

func TestPublishDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	slow := &recordingSender{fail: true}
	ok := &recordingSender{}
	group := VoiceGroup("c1")
	r.Subscribe(group, "conn-slow", slow)
	r.Subscribe(group, "conn-ok", ok)

	if sent := r.Publish(group, "voice_state_updated", nil); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if ok.count() != 1 {
		t.Fatalf("healthy subscriber received %d, want 1", ok.count())
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	alice := &recordingSender{}
	group := VoiceGroup("c1")
	r.Subscribe(group, "conn-alice", alice)
	r.Unsubscribe(group, "conn-alice")
	// Unsubscribing twice, or from a dead group, is harmless.
	r.Unsubscribe(group, "conn-alice")

	if sent := r.Publish(group, "participant_left", nil); sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	alice := &recordingSender{}
	r.Subscribe(VoiceGroup("c1"), "conn-alice", alice)
	r.Subscribe(UserGroup("alice"), "conn-alice", alice)
	r.Subscribe(ServerGroup("s1"), "conn-alice", alice)

	r.UnsubscribeAll("conn-alice")

	for _, group := range []string{VoiceGroup("c1"), UserGroup("alice"), ServerGroup("s1")} {
		if sent := r.Publish(group, "ping", nil); sent != 0 {
			t.Fatalf("group %s still delivered %d events", group, sent)
		}
	}
}

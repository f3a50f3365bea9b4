package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func mustDelivery(t *testing.T, ch <-chan Delivery, destination string) Delivery {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case d := <-ch:
			if d.Destination == destination {
				return d
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected delivery on %s not received", destination)
	return Delivery{}
}

func mustNoDelivery(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendBody(t *testing.T, sender, content string) []byte {
	t.Helper()
	data, err := json.Marshal(proto.SendBody{SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("marshal send body: %v", err)
	}
	return data
}

// seed registers alice and bob and a chat between them.
func seed(t *testing.T, hub *Hub) Chat {
	t.Helper()
	st := hub.Store()
	if _, _, err := st.UpsertUser(User{ID: "alice", Email: "alice@example.com", Name: "Alice"}); err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	if _, _, err := st.UpsertUser(User{ID: "bob", Email: "bob@example.com", Name: "Bob"}); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}
	chat, _, err := hub.CreateChat("alice", "", "", []string{"bob@example.com"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

package hub

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/engine"
)

func quietHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func TestBroadcastFiltersByBranch(t *testing.T) {
	h := quietHub()
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	b1 := &Client{ID: "b1", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "b1"}}
	b2 := &Client{ID: "b2", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "b2"}}
	for _, c := range []*Client{all, b1, b2} {
		h.Register(c)
	}

	h.QueueChanged(context.Background(), engine.Change{Type: engine.ChangeEnqueued, BranchID: "b1", TokenID: "t1"})

	if len(all.Send) != 1 || len(b1.Send) != 1 {
		t.Fatalf("expected unfiltered and b1 clients to receive, got %d and %d", len(all.Send), len(b1.Send))
	}
	if len(b2.Send) != 0 {
		t.Fatalf("b2 client should not receive b1 changes")
	}

	var got event
	if err := json.Unmarshal(<-b1.Send, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != engine.ChangeEnqueued || got.BranchID != "b1" || got.TokenID != "t1" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestBroadcastDropsForFullClient(t *testing.T) {
	h := quietHub()
	c := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(c)

	h.Broadcast([]byte("one"), "b1")
	h.Broadcast([]byte("two"), "b1")

	if len(c.Send) != 1 {
		t.Fatalf("expected buffered message only, got %d", len(c.Send))
	}
	if string(<-c.Send) != "one" {
		t.Fatalf("expected first message to be kept")
	}
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := quietHub()
	c := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)

	if _, open := <-c.Send; open {
		t.Fatalf("send channel should be closed")
	}
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		ok     bool
		branch string
	}{
		{"subscribe", `{"action":"subscribe","branch_id":"b1"}`, true, "b1"},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, ""},
		{"unknown action", `{"action":"ping"}`, false, ""},
		{"not json", `hello`, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if msg.BranchID != tc.branch {
				t.Fatalf("expected branch %q, got %q", tc.branch, msg.BranchID)
			}
		})
	}
}

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/engine"
)

const clientBuffer = 16

// Subscription selects the branch whose queue changes a client receives.
// An empty BranchID receives every branch.
type Subscription struct {
	BranchID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	BranchID string `json:"branch_id"`
}

type event struct {
	Type      string    `json:"type"`
	BranchID  string    `json:"branch_id"`
	TokenID   string    `json:"token_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Hub fans queue changes out to realtime clients. It satisfies
// engine.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logrus.Logger
}

func New(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, branchID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Subscription.BranchID != "" && client.Subscription.BranchID != branchID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.WithFields(logrus.Fields{
				"client_id": client.ID,
				"branch_id": branchID,
			}).Warn("drop message for slow client")
		}
	}
}

func (h *Hub) QueueChanged(_ context.Context, change engine.Change) {
	payload, err := json.Marshal(event{
		Type:      change.Type,
		BranchID:  change.BranchID,
		TokenID:   change.TokenID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.WithError(err).Error("encode queue change")
		return
	}
	h.Broadcast(payload, change.BranchID)
}

// Session serves one SockJS connection until the peer goes away.
func (h *Hub) Session(session sockjs.Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{BranchID: parsed.BranchID})
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

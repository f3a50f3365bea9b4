package broker

import "sync"

const clientBuffer = 64

// Delivery is one body routed to a client subscription.
type Delivery struct {
	Subscription string
	Destination  string
	Body         []byte
}

// Client is a connected STOMP session as seen by the hub.
type Client struct {
	ID     string
	UserID string
	Events chan Delivery

	mu   sync.Mutex
	subs map[string]string // subscription id -> routing key
}

// NewClient constructs a client with an initialized event channel.
func NewClient(id, userID string) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Events: make(chan Delivery, clientBuffer),
		subs:   make(map[string]string),
	}
}

// Subscriptions returns the number of live subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

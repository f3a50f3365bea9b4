package broker

// Room groups the subscriptions routed to one key.
// The hub guards it; Room has no locking of its own.
type Room struct {
	Name        string
	destination string
	subscribers map[*Client]map[string]struct{}
}

// NewRoom constructs a room with no subscribers.
func NewRoom(name, destination string) *Room {
	return &Room{
		Name:        name,
		destination: destination,
		subscribers: make(map[*Client]map[string]struct{}),
	}
}

// AddSubscriber registers subID of c. Returns true if newly added.
func (r *Room) AddSubscriber(c *Client, subID string) bool {
	ids, ok := r.subscribers[c]
	if !ok {
		ids = make(map[string]struct{})
		r.subscribers[c] = ids
	}
	if _, exists := ids[subID]; exists {
		return false
	}
	ids[subID] = struct{}{}
	return true
}

// RemoveSubscriber deletes subID of c. Returns true if removed.
func (r *Room) RemoveSubscriber(c *Client, subID string) bool {
	ids, ok := r.subscribers[c]
	if !ok {
		return false
	}
	if _, exists := ids[subID]; !exists {
		return false
	}
	delete(ids, subID)
	if len(ids) == 0 {
		delete(r.subscribers, c)
	}
	return true
}

// Broadcast sends body to every subscription in the room and returns how
// many deliveries were dropped.
func (r *Room) Broadcast(body []byte) (delivered, dropped int) {
	for client, ids := range r.subscribers {
		for id := range ids {
			select {
			case client.Events <- Delivery{Subscription: id, Destination: r.destination, Body: body}:
				delivered++
			default:
				// Drop if slow consumer.
				dropped++
			}
		}
	}
	return delivered, dropped
}

// Len counts subscriptions across clients.
func (r *Room) Len() int {
	n := 0
	for _, ids := range r.subscribers {
		n += len(ids)
	}
	return n
}

// Empty returns true if nobody is subscribed.
func (r *Room) Empty() bool {
	return len(r.subscribers) == 0
}

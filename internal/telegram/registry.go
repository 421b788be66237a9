package telegram

import (
	"log/slog"
	"sync"
)

// Registry owns one Client per user. Clients are expensive (own connection,
// own peer cache), session rotation must be atomic, and concurrent work for
// the same user must share a client, so all access funnels through here.
type Registry struct {
	opts Options

	mu      sync.Mutex
	clients map[int64]*Client
}

// NewRegistry creates an empty registry building clients with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		clients: make(map[int64]*Client),
	}
}

// Get returns the user's client, creating one if absent. When a session
// plaintext is supplied and differs from the existing client's, the old
// client is disconnected and replaced so the rotated session takes effect.
func (r *Registry) Get(userID int64, sessionPlaintext string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.clients[userID]
	if ok {
		if sessionPlaintext == "" || existing.SessionKey() == sessionPlaintext {
			return existing
		}
		slog.Info("recreating client for rotated session", slog.Int64("user_id", userID))
		existing.Disconnect()
	}

	client := NewClient(userID, sessionPlaintext, r.opts)
	r.clients[userID] = client
	return client
}

// Remove disconnects and drops the user's client, if any.
func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	client, ok := r.clients[userID]
	delete(r.clients, userID)
	r.mu.Unlock()

	if ok {
		client.Disconnect()
	}
}

// CloseAll disconnects every client. Called on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[int64]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}

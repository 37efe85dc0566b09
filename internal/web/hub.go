package web

import "sync"

// Hub tracks live connections by player and which players watch each game.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	games   map[string]map[string]bool
	guests  map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		games:   make(map[string]map[string]bool),
		guests:  make(map[string]bool),
	}
}

// register makes c the player's connection and returns the one it replaces.
func (h *Hub) register(c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.clients[c.playerID]
	h.clients[c.playerID] = c
	if c.guest {
		h.guests[c.playerID] = true
	}
	return old
}

// unregister drops c if it is still the player's connection.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.playerID] != c {
		return false
	}
	delete(h.clients, c.playerID)
	return true
}

// join adds playerID to the game's watchers and reports whether it is the
// first one.
func (h *Hub) join(gameID, playerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	watchers, ok := h.games[gameID]
	if !ok {
		watchers = make(map[string]bool)
		h.games[gameID] = watchers
	}
	watchers[playerID] = true
	return !ok
}

// leave removes playerID from the game's watchers and reports whether none
// are left.
func (h *Hub) leave(gameID, playerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	watchers, ok := h.games[gameID]
	if !ok {
		return false
	}
	delete(watchers, playerID)
	if len(watchers) == 0 {
		delete(h.games, gameID)
		return true
	}
	return false
}

// broadcast queues frame for every connected watcher of gameID except
// the excluded player.
func (h *Hub) broadcast(gameID string, frame []byte, exclude string) {
	h.mu.RLock()
	var targets []*Client
	for playerID := range h.games[gameID] {
		if playerID == exclude {
			continue
		}
		if c, ok := h.clients[playerID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// idleGuests removes and returns the guests that have no live connection.
func (h *Hub) idleGuests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var idle []string
	for playerID := range h.guests {
		if _, ok := h.clients[playerID]; !ok {
			idle = append(idle, playerID)
			delete(h.guests, playerID)
		}
	}
	return idle
}

// ConnectionCount returns the number of connected players.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GameConnectionCount returns the number of players watching gameID.
func (h *Hub) GameConnectionCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.games[gameID])
}

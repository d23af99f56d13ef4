package realtime

import (
	"sort"
	"sync"
)

// registry tracks every open socket and indexes authenticated ones by user.
type registry struct {
	mu          sync.RWMutex
	connections map[int64]*connection
	subscribers map[string]map[int64]*connection
	nextID      int64
}

type registryCounts struct {
	Total         int
	Authenticated int
	Users         int
}

func newRegistry() *registry {
	return &registry{
		connections: make(map[int64]*connection),
		subscribers: make(map[string]map[int64]*connection),
	}
}

func (r *registry) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *registry) add(conn *connection) {
	r.mu.Lock()
	r.connections[conn.id] = conn
	r.mu.Unlock()
}

// subscribe records userID on conn and indexes it under that user.
func (r *registry) subscribe(conn *connection, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, open := r.connections[conn.id]; !open {
		return
	}
	conn.setUserID(userID)
	if _, ok := r.subscribers[userID]; !ok {
		r.subscribers[userID] = make(map[int64]*connection)
	}
	r.subscribers[userID][conn.id] = conn
}

func (r *registry) remove(conn *connection) {
	r.mu.Lock()
	delete(r.connections, conn.id)
	userID := conn.UserID()
	subscribers := r.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, conn.id)
		if len(subscribers) == 0 {
			delete(r.subscribers, userID)
		}
	}
	r.mu.Unlock()
}

func (r *registry) connectionsFor(userID string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subscribers := r.subscribers[userID]
	copies := make([]*connection, 0, len(subscribers))
	for _, conn := range subscribers {
		copies = append(copies, conn)
	}
	return copies
}

func (r *registry) userIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.subscribers))
	for userID := range r.subscribers {
		ids = append(ids, userID)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *registry) all() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	copies := make([]*connection, 0, len(r.connections))
	for _, conn := range r.connections {
		copies = append(copies, conn)
	}
	return copies
}

func (r *registry) counts() registryCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := registryCounts{Total: len(r.connections), Users: len(r.subscribers)}
	for _, subscribers := range r.subscribers {
		counts.Authenticated += len(subscribers)
	}
	return counts
}

func (r *registry) perUser() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make(map[string]int, len(r.subscribers))
	for userID, subscribers := range r.subscribers {
		users[userID] = len(subscribers)
	}
	return users
}

package hub

import (
	"sync"

	"github.com/twitchcore/bot-core/internal/ipc"
)

// routeTable maps a channel_id to the Worker connection currently serving
// it. It is shared by the IPC server's per-connection frame/close callbacks
// and the upstream dispatcher, all under a short mutex with no I/O inside
// the critical section.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]*ipc.Conn

	eventsDropped map[string]int64
}

func newRouteTable() *routeTable {
	return &routeTable{
		routes:        make(map[string]*ipc.Conn),
		eventsDropped: make(map[string]int64),
	}
}

func (rt *routeTable) upsert(channelID string, conn *ipc.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes[channelID] = conn
}

// removeConn drops every route that currently points at conn, used when a
// Worker's connection closes (§4.5.3: "Connections closed by the Worker are
// removed from the route table").
func (rt *routeTable) removeConn(conn *ipc.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for ch, c := range rt.routes {
		if c == conn {
			delete(rt.routes, ch)
		}
	}
}

func (rt *routeTable) lookup(channelID string) (*ipc.Conn, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c, ok := rt.routes[channelID]
	return c, ok
}

// dropped increments and returns the new per-channel events_dropped counter
// (§4.5.1: "If the Worker socket is not connected, drop and increment a
// per-channel events_dropped counter; do not buffer").
func (rt *routeTable) dropped(channelID string) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.eventsDropped[channelID]++
	return rt.eventsDropped[channelID]
}

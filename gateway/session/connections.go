package session

import (
	"sync"
	"time"
)

// Connection is the bookkeeping entry for one open client transport.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	// Close forcibly closes the transport. Used on shutdown.
	Close func()
}

type Connections struct {
	m     sync.Mutex
	conns map[string]*Connection
}

func NewConnections() *Connections {
	return &Connections{conns: map[string]*Connection{}}
}

func (c *Connections) Add(conn *Connection) {
	c.m.Lock()
	defer c.m.Unlock()
	c.conns[conn.ID] = conn
}

func (c *Connections) Remove(id string) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.conns, id)
}

func (c *Connections) Get(id string) (*Connection, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	conn, ok := c.conns[id]
	return conn, ok
}

func (c *Connections) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.conns)
}

// CloseAll closes every registered transport. The connections unregister themselves as their loops exit.
func (c *Connections) CloseAll() {
	c.m.Lock()
	var closers []func()
	for _, conn := range c.conns {
		if conn.Close != nil {
			closers = append(closers, conn.Close)
		}
	}
	c.m.Unlock()

	for _, close := range closers {
		close()
	}
}

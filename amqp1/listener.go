package amqp1

// ConnectionListener receives connection lifecycle events. Callbacks run on
// internal goroutines and must not block.
type ConnectionListener interface {
	OnConnectionActive(conn *Connection)
	OnConnectionClosed(conn *Connection, signal ShutdownSignal)
	OnSessionCreated(conn *Connection, sessionName string)
	OnSessionRemoved(conn *Connection, sessionName string)
}

// AddConnectionListener adds a connection lifecycle listener
func (c *Connection) AddConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveConnectionListener removes a connection listener
func (c *Connection) RemoveConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners calls a function for each listener
func (c *Connection) notifyListeners(fn func(ConnectionListener)) {
	c.listenerMux.RLock()
	listeners := make([]ConnectionListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMux.RUnlock()

	for _, listener := range listeners {
		fn(listener)
	}
}

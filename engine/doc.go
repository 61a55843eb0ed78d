// Package engine defines the contract between the connection core and the
// AMQP 1.0 protocol engine that owns framing and the network event loop.
//
// The engine hands out connection, session and link handles and reports
// endpoint-state transitions as streams of StateEvent. Engine objects are not
// safe for concurrent mutation: every call that mutates them must be
// scheduled through the connection's Dispatcher, whose single loop goroutine
// exclusively owns that mutation.
//
// Adapters live in sub-packages: goamqp binds the contract to
// github.com/Azure/go-amqp and enginetest provides a scriptable in-memory
// engine for tests.
package engine

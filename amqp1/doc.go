// Package amqp1 manages AMQP 1.0 transport connections on top of a protocol
// engine.
//
// A Connection is created unstarted by a ConnectionFactory and begins its
// engine connection on first demand. On top of it the package offers
// deduplicated named sessions, request-response channels that recreate
// themselves after link failures, the claims-based security ($cbs) node and
// per-entity $management nodes kept authorized by a TokenManager.
//
// Basic usage:
//
//	factory, err := amqp1.NewConnectionFactoryFromString(
//		"Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=root;SharedAccessKey=...",
//		amqp1.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//
//	conn, err := factory.NewConnection()
//	if err != nil {
//		return err
//	}
//	defer conn.Dispose()
//
//	node, err := conn.GetManagementNode(ctx, "orders")
//	if err != nil {
//		return err
//	}
//	resp, err := node.Request(ctx, "com.microsoft:peek-message", nil, map[string]any{"message-count": int32(1)})
//
// Disposing a connection runs a shutdown cascade: management and CBS nodes
// are closed first, then the engine connection, its sessions and the
// dispatcher. Every step is bounded by the operation timeout.
package amqp1

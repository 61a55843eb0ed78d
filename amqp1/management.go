package amqp1

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
)

const managementOperationKey = "operation"

// ManagementNode sends management requests to an entity's $management node.
// The entity stays authorized by the node's token manager.
type ManagementNode struct {
	conn         *Connection
	entityPath   string
	provider     *RequestResponseChannelProvider
	tokenManager TokenManager
	logger       *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func newManagementNode(conn *Connection, entityPath string, provider *RequestResponseChannelProvider, tokenManager TokenManager) *ManagementNode {
	return &ManagementNode{
		conn:         conn,
		entityPath:   entityPath,
		provider:     provider,
		tokenManager: tokenManager,
		logger:       conn.logger.With(zap.String("entityPath", entityPath)),
	}
}

// start forwards token renewal failures to the error handler
func (n *ManagementNode) start() {
	go func() {
		for err := range n.tokenManager.Errors() {
			n.conn.factory.Metrics.AuthorizationFailed(err)
			n.conn.factory.ErrorHandler.HandleAuthorizationError(n.entityPath, err)
		}
	}()
}

// Request sends a management operation and returns the response. A status
// code of 300 or above is returned as a *ResponseError.
func (n *ManagementNode) Request(ctx context.Context, operation string, properties map[string]any, value any) (*engine.Message, error) {
	ch, err := n.provider.Channel(ctx)
	if err != nil {
		return nil, err
	}

	props := make(map[string]any, len(properties)+1)
	for k, v := range properties {
		props[k] = v
	}
	props[managementOperationKey] = operation

	resp, err := ch.Request(ctx, &engine.Message{
		ApplicationProperties: props,
		Value:                 value,
	})
	if err != nil {
		return nil, err
	}

	if code, desc := responseStatus(resp); code >= 300 {
		n.logger.Debug("management request failed",
			zap.String("operation", operation),
			zap.Int("statusCode", code))
		return resp, &ResponseError{StatusCode: code, Description: desc}
	}
	return resp, nil
}

// EntityPath returns the entity the node manages
func (n *ManagementNode) EntityPath() string {
	return n.entityPath
}

// Close closes the token manager and the channel, best effort
func (n *ManagementNode) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = multierr.Combine(
			n.tokenManager.Close(),
			n.provider.Close(),
		)
	})
	return n.closeErr
}

package amqp1

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
)

// TokenType is the type of a token put to the CBS node
type TokenType string

const (
	// TokenTypeSAS is a shared access signature token
	TokenTypeSAS TokenType = "servicebus.windows.net:sastoken"
	// TokenTypeJWT is a JSON web token
	TokenTypeJWT TokenType = "jwt"
)

// AccessToken is a credential and its expiry
type AccessToken struct {
	Token     string
	Type      TokenType
	ExpiresAt time.Time
}

// TokenProvider obtains tokens for the given scopes
type TokenProvider interface {
	GetToken(ctx context.Context, scopes string) (*AccessToken, error)
}

// TokenProviderFunc adapts a function to TokenProvider
type TokenProviderFunc func(ctx context.Context, scopes string) (*AccessToken, error)

// GetToken implements TokenProvider
func (f TokenProviderFunc) GetToken(ctx context.Context, scopes string) (*AccessToken, error) {
	return f(ctx, scopes)
}

const (
	putTokenOperation = "put-token"

	cbsOperationKey  = "operation"
	cbsTypeKey       = "type"
	cbsNameKey       = "name"
	cbsExpirationKey = "expiration"
)

// ClaimsBasedSecurityNode authorizes audiences by putting tokens to the
// connection's $cbs node
type ClaimsBasedSecurityNode struct {
	conn          *Connection
	provider      *RequestResponseChannelProvider
	tokenProvider TokenProvider
	logger        *zap.Logger
}

func newClaimsBasedSecurityNode(conn *Connection, provider *RequestResponseChannelProvider, tokenProvider TokenProvider) *ClaimsBasedSecurityNode {
	return &ClaimsBasedSecurityNode{
		conn:          conn,
		provider:      provider,
		tokenProvider: tokenProvider,
		logger:        conn.logger.With(zap.String("linkName", cbsLinkName)),
	}
}

// Authorize obtains a token for scopes and puts it to the CBS node for
// audience. It returns when the token expires.
func (n *ClaimsBasedSecurityNode) Authorize(ctx context.Context, audience, scopes string) (time.Time, error) {
	if n.tokenProvider == nil {
		return time.Time{}, newAuthorizationError(n.conn.id, "no token provider configured", nil)
	}

	token, err := n.tokenProvider.GetToken(ctx, scopes)
	if err != nil {
		return time.Time{}, newAuthorizationError(n.conn.id, "get token for "+audience, err)
	}

	ch, err := n.provider.Channel(ctx)
	if err != nil {
		return time.Time{}, err
	}

	req := &engine.Message{
		To: cbsAddress,
		ApplicationProperties: map[string]any{
			cbsOperationKey:  putTokenOperation,
			cbsTypeKey:       string(token.Type),
			cbsNameKey:       audience,
			cbsExpirationKey: token.ExpiresAt,
		},
		Value: token.Token,
	}

	resp, err := ch.Request(ctx, req)
	if err != nil {
		return time.Time{}, err
	}

	code, desc := responseStatus(resp)
	if code != 200 && code != 202 {
		return time.Time{}, newAuthorizationError(n.conn.id, "put-token for "+audience,
			&ResponseError{StatusCode: code, Description: desc})
	}

	n.logger.Debug("token authorized",
		zap.String("audience", audience),
		zap.Time("expiresAt", token.ExpiresAt))
	return token.ExpiresAt, nil
}

// Close closes the CBS channel
func (n *ClaimsBasedSecurityNode) Close() error {
	return n.provider.Close()
}

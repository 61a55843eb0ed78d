package amqp1

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/engine/goamqp"
)

const (
	// DefaultPort is the AMQP 1.0 port used with TLS
	DefaultPort = 5671
	// DefaultPlainPort is the AMQP 1.0 port used without TLS
	DefaultPlainPort = 5672
)

// ConnectionFactory creates and configures connections
type ConnectionFactory struct {
	// Connection settings
	Host                    string
	Port                    int
	FullyQualifiedNamespace string

	// SASL PLAIN credentials; empty uses SASL ANONYMOUS
	Username string
	Password string

	// TLS configuration; nil with UseTLS=false dials plain AMQP
	TLS    *tls.Config
	UseTLS bool

	// Timeouts and retries. OperationTimeout of zero uses RetryPolicy.TryTimeout().
	RetryPolicy      RetryPolicy
	OperationTimeout time.Duration

	// Link parameters
	SenderSettleMode   engine.SenderSettleMode
	ReceiverSettleMode engine.ReceiverSettleMode
	MaxFrameSize       uint32

	// Connection properties sent to the broker
	Properties map[string]any

	// Authorization
	TokenProvider        TokenProvider
	TokenManagerProvider TokenManagerProvider

	// Protocol engine; nil uses the go-amqp adapter
	Engine engine.Engine

	// Custom handlers
	ErrorHandler ErrorHandler
	Listeners    []ConnectionListener

	Logger  *zap.Logger
	Metrics MetricsCollector
}

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:               "localhost",
		Port:               DefaultPort,
		UseTLS:             true,
		RetryPolicy:        NewRetryPolicy(DefaultRetryOptions()),
		SenderSettleMode:   engine.SenderSettleModeUnsettled,
		ReceiverSettleMode: engine.ReceiverSettleModeSecond,
		Properties:         defaultConnectionProperties(),
	}

	// Apply options
	for _, opt := range opts {
		opt(cf)
	}

	if cf.Logger == nil {
		cf.Logger = zap.NewNop()
	}
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	if cf.ErrorHandler == nil {
		cf.ErrorHandler = &DefaultErrorHandler{Logger: cf.Logger}
	}
	if cf.FullyQualifiedNamespace == "" {
		cf.FullyQualifiedNamespace = cf.Host
	}

	return cf
}

// NewConnection creates an unstarted connection with a generated id. The
// engine is started on first demand.
func (cf *ConnectionFactory) NewConnection() (*Connection, error) {
	return cf.NewConnectionWithID("MF_" + uuid.NewString())
}

// NewConnectionWithID creates an unstarted connection with the given id
func (cf *ConnectionFactory) NewConnectionWithID(id string) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection factory: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("connection id cannot be empty")
	}

	eng := cf.Engine
	if eng == nil {
		eng = goamqp.NewEngine(goamqp.Options{
			TLSConfig:    cf.TLS,
			UseTLS:       cf.UseTLS,
			Username:     cf.Username,
			Password:     cf.Password,
			MaxFrameSize: cf.MaxFrameSize,
			Properties:   cf.Properties,
			Logger:       cf.Logger,
		})
	}

	return newConnection(cf, id, eng), nil
}

// operationTimeout returns the bound applied to activation waits
func (cf *ConnectionFactory) operationTimeout() time.Duration {
	if cf.OperationTimeout > 0 {
		return cf.OperationTimeout
	}
	return cf.RetryPolicy.TryTimeout()
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if cf.Port <= 0 || cf.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
	}

	if cf.RetryPolicy == nil {
		return fmt.Errorf("retry policy cannot be nil")
	}

	if cf.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout cannot be negative, got %v", cf.OperationTimeout)
	}
	if cf.operationTimeout() <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}

	// 0 means the engine decides; 512 is the AMQP 1.0 minimum
	if cf.MaxFrameSize != 0 && cf.MaxFrameSize < 512 {
		return fmt.Errorf("max frame size must be 0 or >= 512, got %d", cf.MaxFrameSize)
	}

	return nil
}

// defaultConnectionProperties returns default connection properties
func defaultConnectionProperties() map[string]any {
	return map[string]any{
		"product":  "amqp1-go-client",
		"version":  "1.0.0",
		"platform": "Go",
	}
}

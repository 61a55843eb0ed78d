package amqp1

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
)

// FactoryOption is a functional option for ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithHost sets the host to connect to
func WithHost(host string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Host = host
	}
}

// WithPort sets the port to connect to
func WithPort(port int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Port = port
	}
}

// WithNamespace sets the fully qualified namespace used for token audiences.
// Defaults to the host.
func WithNamespace(namespace string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.FullyQualifiedNamespace = namespace
	}
}

// WithCredentials sets the SASL PLAIN username and password
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithTLS enables TLS with the given configuration
func WithTLS(config *tls.Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TLS = config
		cf.UseTLS = true
	}
}

// WithoutTLS dials plain AMQP on the default plain port unless a port was set
func WithoutTLS() FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TLS = nil
		cf.UseTLS = false
		if cf.Port == DefaultPort {
			cf.Port = DefaultPlainPort
		}
	}
}

// WithRetryPolicy sets the retry policy; its try timeout bounds activation waits
func WithRetryPolicy(policy RetryPolicy) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.RetryPolicy = policy
	}
}

// WithRetryOptions configures the built-in retry policy
func WithRetryOptions(opts RetryOptions) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.RetryPolicy = NewRetryPolicy(opts)
	}
}

// WithOperationTimeout overrides the retry policy's try timeout
func WithOperationTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.OperationTimeout = timeout
	}
}

// WithSettleModes sets the settle modes requested for request-response links
func WithSettleModes(sender engine.SenderSettleMode, receiver engine.ReceiverSettleMode) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.SenderSettleMode = sender
		cf.ReceiverSettleMode = receiver
	}
}

// WithMaxFrameSize sets the maximum frame size
func WithMaxFrameSize(max uint32) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.MaxFrameSize = max
	}
}

// WithProperty sets a single connection property
func WithProperty(key string, value any) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cf.Properties == nil {
			cf.Properties = make(map[string]any)
		}
		cf.Properties[key] = value
	}
}

// WithTokenProvider sets the credential used for CBS authorization
func WithTokenProvider(provider TokenProvider) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TokenProvider = provider
	}
}

// WithTokenManagerProvider overrides how management-node token managers are built
func WithTokenManagerProvider(provider TokenManagerProvider) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TokenManagerProvider = provider
	}
}

// WithEngine sets the protocol engine
func WithEngine(eng engine.Engine) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Engine = eng
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = handler
	}
}

// WithListener adds a connection lifecycle listener
func WithListener(listener ConnectionListener) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Listeners = append(cf.Listeners, listener)
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = metrics
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
		if cf.ErrorHandler == nil {
			cf.ErrorHandler = &DefaultErrorHandler{Logger: logger}
		}
	}
}

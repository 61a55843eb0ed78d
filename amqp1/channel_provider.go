package amqp1

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestResponseChannelProvider holds the live request-response channel of
// one identity (session, link, address) and recreates it after it fails,
// while the connection is alive
type RequestResponseChannelProvider struct {
	conn        *Connection
	sessionName string
	linkName    string
	address     string
	logger      *zap.Logger

	mu      sync.Mutex
	current *RequestResponseChannel
	created int
	closed  bool
	done    chan struct{}
}

func newRequestResponseChannelProvider(conn *Connection, sessionName, linkName, address string) *RequestResponseChannelProvider {
	return &RequestResponseChannelProvider{
		conn:        conn,
		sessionName: sessionName,
		linkName:    linkName,
		address:     address,
		logger: conn.logger.With(
			zap.String("sessionName", sessionName),
			zap.String("linkName", linkName)),
		done: make(chan struct{}),
	}
}

// Channel returns the live channel, creating a new one if there is none or
// the previous one ended
func (p *RequestResponseChannelProvider) Channel(ctx context.Context) (*RequestResponseChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, newIllegalStateError(p.conn.id, "request-response channel provider "+p.linkName+" is closed")
	}
	if p.conn.IsDisposed() {
		return nil, newIllegalStateError(p.conn.id, "cannot create request-response channel "+p.linkName+" on a disposed connection")
	}
	if p.current != nil && !p.current.IsClosed() {
		return p.current, nil
	}

	ch, err := p.conn.newRequestResponseChannel(ctx, p.sessionName, p.linkName, p.address)
	if err != nil {
		return nil, err
	}

	if p.created == 0 {
		p.conn.factory.Metrics.ChannelCreated()
	} else {
		p.logger.Info("request-response channel recreated", zap.Int("instance", p.created+1))
		p.conn.factory.Metrics.ChannelRecreated()
	}
	p.created++
	p.current = ch

	go p.watch(ch)
	return ch, nil
}

// watch recreates the channel after it failed, retrying with the
// connection's retry policy. It stops once the connection is disposed or the
// provider is closed.
func (p *RequestResponseChannelProvider) watch(ch *RequestResponseChannel) {
	select {
	case <-ch.Done():
	case <-p.done:
		return
	}
	if ch.closing.Load() {
		return
	}

	cause := ch.Err()
	for attempt := 0; ; attempt++ {
		if p.stopped() {
			return
		}

		delay, ok := p.conn.factory.RetryPolicy.CalculateRetryDelay(cause, attempt)
		if !ok {
			p.logger.Warn("giving up recreating request-response channel",
				zap.Int("attempts", attempt),
				zap.Error(cause))
			return
		}

		select {
		case <-time.After(delay):
		case <-p.done:
			return
		}
		if p.stopped() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.conn.operationTimeout)
		_, err := p.Channel(ctx)
		cancel()
		if err == nil {
			return
		}

		p.logger.Debug("failed to recreate request-response channel",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		cause = err
	}
}

func (p *RequestResponseChannelProvider) stopped() bool {
	if p.conn.IsDisposed() {
		return true
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Instances returns how many channel instances were created so far
func (p *RequestResponseChannelProvider) Instances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// LinkName returns the link name of the channels
func (p *RequestResponseChannelProvider) LinkName() string {
	return p.linkName
}

// Address returns the node address of the channels
func (p *RequestResponseChannelProvider) Address() string {
	return p.address
}

// Close stops recreation and closes the live channel
func (p *RequestResponseChannelProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	current := p.current
	p.mu.Unlock()

	if current == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.conn.operationTimeout)
	defer cancel()
	return current.Close(ctx)
}

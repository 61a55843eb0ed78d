package amqp1

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/israelio/amqp1-go-client/engine"
	"github.com/israelio/amqp1-go-client/internal/reactive"
)

const (
	statusCodeKey        = "status-code"
	statusDescriptionKey = "status-description"
)

// RequestResponseChannel is a sender/receiver link pair on a session that
// correlates responses to requests by message id
type RequestResponseChannel struct {
	conn        *Connection
	sessionName string
	linkName    string
	address     string
	replyTo     string
	logger      *zap.Logger

	sender   engine.Sender
	receiver engine.Receiver

	// Pending requests by message id
	pendingMux sync.Mutex
	pending    map[string]*reactive.Promise[*engine.Message]
	closed     bool

	closing   atomic.Bool
	closeOnce sync.Once
	err       error
	done      chan struct{}
	cancel    context.CancelFunc
}

// newRequestResponseChannel creates the session if needed and attaches the
// link pair on the dispatcher
func (c *Connection) newRequestResponseChannel(ctx context.Context, sessionName, linkName, address string) (*RequestResponseChannel, error) {
	session, err := c.CreateSession(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	es := session.engineSession()
	if es == nil {
		return nil, newIllegalStateError(c.id, "session "+sessionName+" has no engine session")
	}

	replyTo := strings.ReplaceAll(address, "$", "") + "-client-reply-to"
	senderOpts := engine.LinkOptions{
		SenderSettleMode:   c.factory.SenderSettleMode,
		ReceiverSettleMode: c.factory.ReceiverSettleMode,
	}
	receiverOpts := engine.LinkOptions{
		SenderSettleMode:   c.factory.SenderSettleMode,
		ReceiverSettleMode: c.factory.ReceiverSettleMode,
		TargetAddress:      replyTo,
	}

	opCtx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	type linkPair struct {
		sender   engine.Sender
		receiver engine.Receiver
	}
	links, err := invokeAndWait(opCtx, c, func() (linkPair, error) {
		sender, err := es.NewSender(opCtx, linkName+":sender", address, senderOpts)
		if err != nil {
			return linkPair{}, fmt.Errorf("attach sender: %w", err)
		}
		receiver, err := es.NewReceiver(opCtx, linkName+":receiver", address, receiverOpts)
		if err != nil {
			_ = sender.Close(opCtx)
			return linkPair{}, fmt.Errorf("attach receiver: %w", err)
		}
		// The caller gave up; don't leak the links
		if opCtx.Err() != nil {
			_ = multierr.Combine(sender.Close(opCtx), receiver.Close(opCtx))
			return linkPair{}, opCtx.Err()
		}
		return linkPair{sender: sender, receiver: receiver}, nil
	})
	if err != nil {
		if opCtx.Err() != nil && ctx.Err() == nil {
			return nil, newTimeoutError(c.id, sessionName, c.operationTimeout)
		}
		return nil, asTransportError(c.id, "create request-response channel "+linkName, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	ch := &RequestResponseChannel{
		conn:        c,
		sessionName: sessionName,
		linkName:    linkName,
		address:     address,
		replyTo:     replyTo,
		logger: c.logger.With(
			zap.String("sessionName", sessionName),
			zap.String("linkName", linkName)),
		sender:   links.sender,
		receiver: links.receiver,
		pending:  make(map[string]*reactive.Promise[*engine.Message]),
		done:     make(chan struct{}),
		cancel:   loopCancel,
	}

	go ch.receiveResponses(loopCtx)

	ch.logger.Debug("request-response channel created", zap.String("address", address))
	return ch, nil
}

// Request sends msg and waits for the correlated response. MessageID and
// ReplyTo are set by the channel.
func (ch *RequestResponseChannel) Request(ctx context.Context, msg *engine.Message) (*engine.Message, error) {
	id := uuid.NewString()
	msg.MessageID = id
	msg.ReplyTo = ch.replyTo
	if msg.To == "" {
		msg.To = ch.address
	}

	p := reactive.NewPromise[*engine.Message]()

	// Register pending request
	ch.pendingMux.Lock()
	if ch.closed {
		ch.pendingMux.Unlock()
		return nil, ch.Err()
	}
	ch.pending[id] = p
	ch.pendingMux.Unlock()

	// Cleanup on exit
	defer func() {
		ch.pendingMux.Lock()
		delete(ch.pending, id)
		ch.pendingMux.Unlock()
	}()

	err := ch.conn.invoke(func() {
		if err := ch.sender.Send(ctx, msg); err != nil {
			p.Fail(asTransportError(ch.conn.id, "send request on "+ch.linkName, err))
		}
	})
	if err != nil {
		return nil, asTransportError(ch.conn.id, "dispatch request on "+ch.linkName, err)
	}

	resp, err := p.Wait(ctx)
	return resp, waitErr(ctx, ch.conn.id, ch.sessionName, err)
}

// receiveResponses routes incoming responses to their pending request
func (ch *RequestResponseChannel) receiveResponses(ctx context.Context) {
	for {
		msg, err := ch.receiver.Receive(ctx)
		if err != nil {
			ch.terminate(err)
			return
		}

		if err := ch.conn.invoke(func() {
			if err := ch.receiver.Accept(ctx, msg); err != nil {
				ch.logger.Debug("failed to accept response", zap.Error(err))
			}
		}); err != nil {
			ch.logger.Debug("failed to schedule response settlement", zap.Error(err))
		}

		id := correlationKey(msg.CorrelationID)
		ch.pendingMux.Lock()
		p, ok := ch.pending[id]
		ch.pendingMux.Unlock()

		if !ok {
			ch.logger.Debug("dropping response without pending request", zap.String("correlationId", id))
			continue
		}
		p.Complete(msg)
	}
}

// terminate fails the channel and every pending request
func (ch *RequestResponseChannel) terminate(cause error) {
	ch.closeOnce.Do(func() {
		// Channels ended by Close or by disposing the connection are not failures
		closing := ch.closing.Load() || ch.conn.IsDisposed()

		var err error
		if closing {
			err = newIllegalStateError(ch.conn.id, "request-response channel "+ch.linkName+" closed")
		} else {
			err = asTransportError(ch.conn.id, "request-response channel "+ch.linkName+" failed", cause)
		}

		ch.pendingMux.Lock()
		ch.closed = true
		ch.err = err
		pending := ch.pending
		ch.pending = make(map[string]*reactive.Promise[*engine.Message])
		ch.pendingMux.Unlock()

		for _, p := range pending {
			p.Fail(err)
		}

		ch.cancel()
		close(ch.done)

		if !closing {
			ch.logger.Warn("request-response channel failed", zap.Error(cause))
			ch.conn.factory.Metrics.ChannelError(err)
			ch.conn.factory.ErrorHandler.HandleChannelError(ch, err)
		}
	})
}

// Close detaches both links. Pending requests fail.
func (ch *RequestResponseChannel) Close(ctx context.Context) error {
	if !ch.closing.CompareAndSwap(false, true) {
		return nil
	}

	closeLinks := func() error {
		return multierr.Combine(ch.sender.Close(ctx), ch.receiver.Close(ctx))
	}

	result := make(chan error, 1)
	if err := ch.conn.invoke(func() { result <- closeLinks() }); err != nil {
		result <- closeLinks()
	}

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = newContextError(ch.conn.id, ch.sessionName, ctx.Err())
	}

	ch.terminate(nil)
	return err
}

// Done is closed once the channel closed or failed
func (ch *RequestResponseChannel) Done() <-chan struct{} {
	return ch.done
}

// Err returns why the channel ended, nil while it is open
func (ch *RequestResponseChannel) Err() error {
	ch.pendingMux.Lock()
	defer ch.pendingMux.Unlock()
	return ch.err
}

// IsClosed reports whether the channel ended
func (ch *RequestResponseChannel) IsClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// SessionName returns the name of the session carrying the links
func (ch *RequestResponseChannel) SessionName() string {
	return ch.sessionName
}

// LinkName returns the channel's link name
func (ch *RequestResponseChannel) LinkName() string {
	return ch.linkName
}

// Address returns the node address requests are sent to
func (ch *RequestResponseChannel) Address() string {
	return ch.address
}

// ReplyTo returns the address responses are sent back to
func (ch *RequestResponseChannel) ReplyTo() string {
	return ch.replyTo
}

func correlationKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case uuid.UUID:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// ResponseError is returned when a node answers with a non-success status
type ResponseError struct {
	StatusCode  int
	Description string
}

func (e *ResponseError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("response status %d", e.StatusCode)
	}
	return fmt.Sprintf("response status %d: %s", e.StatusCode, e.Description)
}

// responseStatus reads the status code and description application
// properties of a response
func responseStatus(msg *engine.Message) (int, string) {
	if msg == nil || msg.ApplicationProperties == nil {
		return 0, ""
	}

	code := 0
	switch v := lookupProperty(msg.ApplicationProperties, statusCodeKey, "statusCode").(type) {
	case int:
		code = v
	case int32:
		code = int(v)
	case int64:
		code = int(v)
	case uint32:
		code = int(v)
	case float64:
		code = int(v)
	}

	desc, _ := lookupProperty(msg.ApplicationProperties, statusDescriptionKey, "statusDescription").(string)
	return code, desc
}

func lookupProperty(props map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := props[k]; ok {
			return v
		}
	}
	return nil
}

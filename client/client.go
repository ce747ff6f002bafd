package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tg123/mqbroker/controller"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
)

var logger = logging.Package("client")

var ErrNotAccepted = errors.New("message not accepted by broker")

type Config struct {
	ApplicationName string
	Address         string
	Password        string

	// Way is SendAndReceive by default. Send only clients never get deliveries.
	Way protocol.CommunicationWay

	// ResponseTimeout bounds SendMessage, default 90s.
	ResponseTimeout time.Duration

	// Session overrides the remaining session settings, mostly for tests.
	Session controller.SessionConfig
}

// Client is an application connection to a broker.
type Client struct {
	config  Config
	session *controller.Session

	mu       sync.RWMutex
	handlers []func(*IncomingMessage)
}

func New(config Config) *Client {
	sc := config.Session
	sc.Type = protocol.CommunicatorTypeApplication
	sc.Way = config.Way
	sc.Name = config.ApplicationName
	sc.Password = config.Password
	if config.Address != "" {
		sc.Address = config.Address
	}

	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 90 * time.Second
	}

	c := &Client{config: config, session: controller.NewSession(sc)}
	c.session.OnMessageReceived(c.dispatch)
	return c
}

func (c *Client) ApplicationName() string {
	return c.config.ApplicationName
}

// Connect dials and registers. The session keeps reconnecting in the
// background afterwards, even if this first attempt fails.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

func (c *Client) Disconnect() error {
	return c.session.Close()
}

func (c *Client) Connected() bool {
	return c.session.Connected()
}

// ChangeCommunicationWay tells the broker whether deliveries may be sent to
// this client.
func (c *Client) ChangeCommunicationWay(way protocol.CommunicationWay) error {
	return c.session.Send(&protocol.ChangeCommunicationWayMessage{CommunicationWay: way})
}

// CreateMessage returns an envelope from this application with a fresh id.
func (c *Client) CreateMessage(destServer, destApplication string, data []byte) *protocol.DataTransferMessage {
	msg := &protocol.DataTransferMessage{
		SourceApplicationName:      c.config.ApplicationName,
		DestinationServerName:      destServer,
		DestinationApplicationName: destApplication,
		MessageData:                data,
	}
	msg.MessageID = uuid.NewString()
	return msg
}

// SendMessage hands msg to the broker and waits for its verdict. A persistent
// message is accepted once stored, a non-persistent one once delivery was
// attempted.
func (c *Client) SendMessage(ctx context.Context, msg *protocol.DataTransferMessage) error {
	if msg.SourceApplicationName == "" {
		msg.SourceApplicationName = c.config.ApplicationName
	}

	reply, err := c.session.SendAndWait(ctx, msg, c.config.ResponseTimeout)
	if err != nil {
		return err
	}

	result, ok := reply.(*protocol.OperationResultMessage)
	if !ok {
		return fmt.Errorf("unexpected %v reply", reply.Type())
	}

	if !result.Success {
		return fmt.Errorf("%w: %v", ErrNotAccepted, result.ResultText)
	}

	return nil
}

// OnMessageReceived registers f for deliveries. Calls happen one at a time in
// arrival order.
func (c *Client) OnMessageReceived(f func(*IncomingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, f)
}

func (c *Client) dispatch(msg protocol.Message) {
	dt, ok := msg.(*protocol.DataTransferMessage)
	if !ok {
		logger.Debug().Str(logging.EVENT, "IGNORED").Str(logging.NAME, c.config.ApplicationName).Str("type", msg.Type().String()).Msg("")
		return
	}

	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	in := &IncomingMessage{DataTransferMessage: dt, client: c}
	for _, f := range handlers {
		f(in)
	}
}

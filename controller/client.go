package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/protocol/control"
)

var ErrRejected = errors.New("request rejected by server")

type ClientConfig struct {
	Address  string
	Name     string
	Password string

	// ResponseTimeout bounds SendMessageAndGetResponse, default 90s.
	ResponseTimeout time.Duration

	// Session overrides the remaining session settings, mostly for tests.
	Session SessionConfig
}

// Client is a management connection to a broker.
type Client struct {
	session *Session
	timeout time.Duration

	mu       sync.RWMutex
	handlers []func(control.Message)
}

func NewClient(config ClientConfig) *Client {
	sc := config.Session
	sc.Type = protocol.CommunicatorTypeController
	sc.Way = protocol.CommunicationWaySendAndReceive
	if config.Address != "" {
		sc.Address = config.Address
	}
	if config.Name != "" {
		sc.Name = config.Name
	}
	if config.Password != "" {
		sc.Password = config.Password
	}

	c := &Client{session: NewSession(sc), timeout: config.ResponseTimeout}
	if c.timeout <= 0 {
		c.timeout = 90 * time.Second
	}
	c.session.OnMessageReceived(c.dispatch)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) Connected() bool {
	return c.session.Connected()
}

// OnControlMessageReceived registers f for unsolicited control messages,
// such as application events.
func (c *Client) OnControlMessageReceived(f func(control.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, f)
}

func (c *Client) dispatch(msg protocol.Message) {
	cm, ok := msg.(*protocol.ControllerMessage)
	if !ok {
		return
	}

	m, err := control.Unwrap(cm)
	if err != nil {
		logger.Warn().Str(logging.EVENT, "BAD_CONTROL_MESSAGE").Err(err).Msg("")
		return
	}

	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	for _, f := range handlers {
		f(m)
	}
}

func (c *Client) SendMessage(msg control.Message) error {
	cm, err := control.Wrap(msg)
	if err != nil {
		return err
	}

	return c.session.Send(cm)
}

// SendMessageAndGetResponse sends msg and waits up to the response timeout for
// the control message replying to it. A negative OperationResult becomes an
// error wrapping ErrRejected.
func (c *Client) SendMessageAndGetResponse(ctx context.Context, msg control.Message) (control.Message, error) {
	cm, err := control.Wrap(msg)
	if err != nil {
		return nil, err
	}

	reply, err := c.session.SendAndWait(ctx, cm, c.timeout)
	if err != nil {
		return nil, err
	}

	switch r := reply.(type) {
	case *protocol.ControllerMessage:
		m, err := control.Unwrap(r)
		if err != nil {
			return nil, err
		}

		if result, ok := m.(*control.OperationResultMessage); ok && !result.Success {
			return nil, fmt.Errorf("%w: %v", ErrRejected, result.ResultMessage)
		}

		return m, nil
	case *protocol.OperationResultMessage:
		if !r.Success {
			return nil, fmt.Errorf("%w: %v", ErrRejected, r.ResultText)
		}
		return &control.OperationResultMessage{Success: true, ResultMessage: r.ResultText}, nil
	}

	return nil, fmt.Errorf("unexpected %v reply", reply.Type())
}

func expect[T control.Message](m control.Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}

	r, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %v reply", m.Type())
	}

	return r, nil
}

func (c *Client) ApplicationList(ctx context.Context) ([]*control.ClientApplicationInfo, error) {
	r, err := expect[*control.GetApplicationListResponseMessage](c.SendMessageAndGetResponse(ctx, &control.GetApplicationListMessage{}))
	if err != nil {
		return nil, err
	}

	return r.ClientApplications, nil
}

func (c *Client) AddApplication(ctx context.Context, name string) error {
	_, err := c.SendMessageAndGetResponse(ctx, &control.AddNewApplicationMessage{ApplicationName: name})
	return err
}

func (c *Client) RemoveApplication(ctx context.Context, name string) error {
	r, err := expect[*control.RemoveApplicationResponseMessage](c.SendMessageAndGetResponse(ctx, &control.RemoveApplicationMessage{ApplicationName: name}))
	if err != nil {
		return err
	}

	if !r.Removed {
		return fmt.Errorf("%w: %v", ErrRejected, r.ResultMessage)
	}

	return nil
}

func (c *Client) ServerGraph(ctx context.Context) (*control.ServerGraphInfo, error) {
	r, err := expect[*control.GetServerGraphResponseMessage](c.SendMessageAndGetResponse(ctx, &control.GetServerGraphMessage{}))
	if err != nil {
		return nil, err
	}

	return r.ServerGraph, nil
}

func (c *Client) UpdateServerGraph(ctx context.Context, graph *control.ServerGraphInfo) error {
	_, err := c.SendMessageAndGetResponse(ctx, &control.UpdateServerGraphMessage{ServerGraph: graph})
	return err
}

func (c *Client) WebServices(ctx context.Context, application string) ([]*control.ApplicationWebServiceInfo, error) {
	r, err := expect[*control.GetApplicationWebServicesResponseMessage](c.SendMessageAndGetResponse(ctx, &control.GetApplicationWebServicesMessage{ApplicationName: application}))
	if err != nil {
		return nil, err
	}

	if !r.Success {
		return nil, fmt.Errorf("%w: %v", ErrRejected, r.ResultText)
	}

	return r.WebServices, nil
}

func (c *Client) UpdateWebServices(ctx context.Context, application string, services []*control.ApplicationWebServiceInfo) error {
	_, err := c.SendMessageAndGetResponse(ctx, &control.UpdateApplicationWebServicesMessage{
		ApplicationName: application,
		WebServices:     services,
	})
	return err
}

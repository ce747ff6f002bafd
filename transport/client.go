package transport

import (
	"context"
	"net"
)

// Dial connects a new client communicator to address.
func Dial(ctx context.Context, address string, config Config) (*Communicator, error) {
	c := NewClientCommunicator(address, config)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// FromConn wraps an established connection and starts its read loop. Observers
// must be registered through setup since frames may arrive immediately.
func FromConn(conn net.Conn, config Config, setup func(*Communicator)) (*Communicator, error) {
	c := NewDialerCommunicator(func(context.Context) (net.Conn, error) {
		return conn, nil
	}, config)

	if setup != nil {
		setup(c)
	}

	if err := c.Connect(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tg123/mqbroker/protocol"
)

var (
	ErrTimeout    = errors.New("timed out waiting for response")
	ErrNoResponse = errors.New("channel closed before response")
)

// WaitingTable correlates responses with the requests waiting for them by
// message id.
type WaitingTable struct {
	table sync.Map
}

type WaitingMessage struct {
	parent *WaitingTable
	id     string
	ch     chan protocol.Message
	close  sync.Once
}

// Close removes the entry and releases its waiter with no response.
func (w *WaitingMessage) Close() {
	if _, ok := w.parent.table.LoadAndDelete(w.id); !ok {
		return
	}

	w.close.Do(func() {
		close(w.ch)
	})
}

// Wait blocks until the response arrives, the entry is closed, timeout
// elapses or ctx is done.
func (w *WaitingMessage) Wait(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	defer w.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrNoResponse
		}
		return reply, nil
	}
}

func (t *WaitingTable) Put(id string) *WaitingMessage {
	w := &WaitingMessage{
		parent: t,
		id:     id,
		ch:     make(chan protocol.Message, 1),
	}
	t.table.Store(id, w)
	return w
}

// Feed hands msg to the request it replies to and reports whether one was waiting.
func (t *WaitingTable) Feed(msg protocol.Message) bool {
	id := msg.Headers().RepliedMessageID
	if id == "" {
		return false
	}

	v, ok := t.table.LoadAndDelete(id)
	if !ok {
		return false
	}

	// buffered, never blocks the read loop
	v.(*WaitingMessage).ch <- msg
	return true
}

// Close releases every waiter with no response.
func (t *WaitingTable) Close() {
	t.table.Range(func(key, value interface{}) bool {
		value.(*WaitingMessage).Close()
		return true
	})
}

func (t *WaitingTable) Len() int {
	n := 0
	t.table.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/protocol/control"
	"github.com/tg123/mqbroker/transport"
)

// controlServer answers control messages from a fixed in-memory state.
func controlServer(t *testing.T) func(c *transport.Communicator, msg protocol.Message) {
	apps := map[string]bool{"app1": true}
	services := map[string][]*control.ApplicationWebServiceInfo{}
	graph := &control.ServerGraphInfo{
		ThisServerName: "s1",
		Servers: []*control.ServerGraphInfoItem{
			{Name: "s1", IPAddress: "127.0.0.1", Port: 10000, Adjacents: "s2"},
			{Name: "s2", IPAddress: "127.0.0.1", Port: 10001, Adjacents: "s1"},
		},
	}

	return func(c *transport.Communicator, msg protocol.Message) {
		cm, ok := msg.(*protocol.ControllerMessage)
		if !ok {
			return
		}

		req, err := control.Unwrap(cm)
		if !assert.NoError(t, err) {
			return
		}

		var resp control.Message
		switch m := req.(type) {
		case *control.GetApplicationListMessage:
			r := &control.GetApplicationListResponseMessage{}
			for name := range apps {
				r.ClientApplications = append(r.ClientApplications, &control.ClientApplicationInfo{Name: name, CommunicatorCount: 2})
			}
			resp = r
		case *control.AddNewApplicationMessage:
			if apps[m.ApplicationName] {
				resp = &control.OperationResultMessage{Success: false, ResultMessage: "already exists"}
			} else {
				apps[m.ApplicationName] = true
				resp = &control.OperationResultMessage{Success: true}
			}
		case *control.RemoveApplicationMessage:
			removed := apps[m.ApplicationName]
			delete(apps, m.ApplicationName)
			resp = &control.RemoveApplicationResponseMessage{ApplicationName: m.ApplicationName, Removed: removed, ResultMessage: "not found"}
		case *control.GetServerGraphMessage:
			resp = &control.GetServerGraphResponseMessage{ServerGraph: graph}
		case *control.UpdateServerGraphMessage:
			graph = m.ServerGraph
			resp = &control.OperationResultMessage{Success: true}
		case *control.GetApplicationWebServicesMessage:
			resp = &control.GetApplicationWebServicesResponseMessage{Success: apps[m.ApplicationName], ResultText: "unknown application", WebServices: services[m.ApplicationName]}
		case *control.UpdateApplicationWebServicesMessage:
			services[m.ApplicationName] = m.WebServices
			resp = &control.OperationResultMessage{Success: true}
		default:
			return
		}

		out, err := control.Wrap(resp)
		require.NoError(t, err)
		out.MessageID = "resp-" + cm.MessageID
		out.RepliedMessageID = cm.MessageID
		c.Send(out)

		if _, ok := req.(*control.AddNewApplicationMessage); ok {
			event, err := control.Wrap(&control.ClientApplicationRefreshEventMessage{Name: "app2"})
			require.NoError(t, err)
			event.MessageID = "event-" + cm.MessageID
			c.Send(event)
		}
	}
}

func TestClient(t *testing.T) {
	b := newFakeBroker(t, controlServer(t))

	events := make(chan control.Message, 4)
	c := NewClient(ClientConfig{Address: b.addr(), Name: "admin", ResponseTimeout: 5 * time.Second})
	c.OnControlMessageReceived(func(m control.Message) {
		events <- m
	})
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())

	t.Run("applications", func(t *testing.T) {
		list, err := c.ApplicationList(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "app1", list[0].Name)
		assert.Equal(t, int32(2), list[0].CommunicatorCount)

		require.NoError(t, c.AddApplication(ctx, "app2"))

		select {
		case e := <-events:
			require.IsType(t, &control.ClientApplicationRefreshEventMessage{}, e)
			assert.Equal(t, "app2", e.(*control.ClientApplicationRefreshEventMessage).Name)
		case <-time.After(5 * time.Second):
			t.Fatal("event not received")
		}

		err = c.AddApplication(ctx, "app2")
		assert.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "already exists")

		require.NoError(t, c.RemoveApplication(ctx, "app2"))
		assert.ErrorIs(t, c.RemoveApplication(ctx, "app2"), ErrRejected)
	})

	t.Run("server graph", func(t *testing.T) {
		g, err := c.ServerGraph(ctx)
		require.NoError(t, err)
		assert.Equal(t, "s1", g.ThisServerName)
		require.Len(t, g.Servers, 2)
		assert.Equal(t, []string{"s2"}, g.Servers[0].AdjacentServers())

		g.Servers = append(g.Servers, &control.ServerGraphInfoItem{Name: "s3", Adjacents: "s1, s2"})
		require.NoError(t, c.UpdateServerGraph(ctx, g))

		g, err = c.ServerGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Servers, 3)
	})

	t.Run("web services", func(t *testing.T) {
		require.NoError(t, c.UpdateWebServices(ctx, "app1", []*control.ApplicationWebServiceInfo{
			{Name: "orders", URL: "http://localhost/orders"},
		}))

		ws, err := c.WebServices(ctx, "app1")
		require.NoError(t, err)
		require.Len(t, ws, 1)
		assert.Equal(t, "http://localhost/orders", ws[0].URL)

		_, err = c.WebServices(ctx, "missing")
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("one way", func(t *testing.T) {
		assert.NoError(t, c.SendMessage(&control.GetServerGraphMessage{}))
	})
}

func TestClientTimeout(t *testing.T) {
	b := newFakeBroker(t, nil)

	c := NewClient(ClientConfig{Address: b.addr(), Name: "admin", ResponseTimeout: 50 * time.Millisecond})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.ApplicationList(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

package broker

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/protocol/control"
)

func sortApplications(list []*control.ClientApplicationInfo) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
}

func refreshEvent(name string, count int32) *control.ClientApplicationRefreshEventMessage {
	return &control.ClientApplicationRefreshEventMessage{Name: name, CommunicatorCount: count}
}

func result(err error) *control.OperationResultMessage {
	if err != nil {
		return &control.OperationResultMessage{Success: false, ResultMessage: err.Error()}
	}
	return &control.OperationResultMessage{Success: true}
}

// control answers a management request from a controller.
func (b *Broker) control(r *remote, cm *protocol.ControllerMessage) {
	req, err := control.Unwrap(cm)
	if err != nil {
		logger.Warn().Str(logging.EVENT, "BAD_CONTROL_MESSAGE").Int64(logging.ID, r.comm.ID()).Err(err).Msg("")
		b.respond(r, cm, result(err))
		return
	}

	var resp control.Message
	switch m := req.(type) {
	case *control.GetApplicationListMessage:
		resp = &control.GetApplicationListResponseMessage{ClientApplications: b.Applications()}
	case *control.AddNewApplicationMessage:
		resp = result(b.AddApplication(m.ApplicationName))
	case *control.RemoveApplicationMessage:
		removed := &control.RemoveApplicationResponseMessage{ApplicationName: m.ApplicationName, Removed: true}
		if err := b.RemoveApplication(m.ApplicationName); err != nil {
			removed.Removed = false
			removed.ResultMessage = err.Error()
		}
		resp = removed
	case *control.GetServerGraphMessage:
		resp = &control.GetServerGraphResponseMessage{ServerGraph: b.ServerGraph()}
	case *control.UpdateServerGraphMessage:
		resp = result(b.UpdateServerGraph(m.ServerGraph))
	case *control.GetApplicationWebServicesMessage:
		ws, err := b.WebServices(m.ApplicationName)
		services := &control.GetApplicationWebServicesResponseMessage{Success: err == nil, WebServices: ws}
		if err != nil {
			services.ResultText = err.Error()
		}
		resp = services
	case *control.UpdateApplicationWebServicesMessage:
		resp = result(b.UpdateWebServices(m.ApplicationName, m.WebServices))
	default:
		resp = &control.OperationResultMessage{Success: false, ResultMessage: fmt.Sprintf("unsupported control message %d", req.Type())}
	}

	b.respond(r, cm, resp)
}

func (b *Broker) respond(to target, req *protocol.ControllerMessage, resp control.Message) {
	out, err := control.Wrap(resp)
	if err != nil {
		logger.Error().Str(logging.EVENT, "WRAP_FAILED").Err(err).Msg("")
		return
	}

	out.MessageID = uuid.NewString()
	out.RepliedMessageID = req.MessageID
	if err := to.Send(out); err != nil {
		logger.Debug().Str(logging.EVENT, "REPLY_FAILED").Err(err).Msg("")
	}
}

// broadcast pushes an event to every registered controller.
func (b *Broker) broadcast(event control.Message) {
	out, err := control.Wrap(event)
	if err != nil {
		logger.Error().Str(logging.EVENT, "WRAP_FAILED").Err(err).Msg("")
		return
	}

	b.mu.RLock()
	controllers := make([]*remote, 0, len(b.controllers))
	for _, r := range b.controllers {
		controllers = append(controllers, r)
	}
	b.mu.RUnlock()

	for _, r := range controllers {
		msg := *out
		msg.MessageID = uuid.NewString()
		if err := r.Send(&msg); err != nil {
			logger.Debug().Str(logging.EVENT, "EVENT_FAILED").Int64(logging.ID, r.comm.ID()).Err(err).Msg("")
		}
	}
}

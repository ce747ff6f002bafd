package control

import (
	"strings"

	"github.com/tg123/mqbroker/serialization"
)

type GetApplicationListMessage struct{}

func (m *GetApplicationListMessage) Type() MessageType { return MessageTypeGetApplicationList }

func (m *GetApplicationListMessage) Serialize(w *serialization.Writer) error { return w.Err() }

func (m *GetApplicationListMessage) Deserialize(r *serialization.Reader) error { return r.Err() }

type ClientApplicationInfo struct {
	Name              string
	CommunicatorCount int32
}

func (i *ClientApplicationInfo) Serialize(w *serialization.Writer) error {
	w.WriteString(i.Name)
	w.WriteInt32(i.CommunicatorCount)
	return w.Err()
}

func (i *ClientApplicationInfo) Deserialize(r *serialization.Reader) error {
	i.Name = r.ReadString()
	i.CommunicatorCount = r.ReadInt32()
	return r.Err()
}

type GetApplicationListResponseMessage struct {
	ClientApplications []*ClientApplicationInfo
}

func (m *GetApplicationListResponseMessage) Type() MessageType {
	return MessageTypeGetApplicationListResponse
}

func (m *GetApplicationListResponseMessage) Serialize(w *serialization.Writer) error {
	serialization.WriteObjectArray(w, m.ClientApplications)
	return w.Err()
}

func (m *GetApplicationListResponseMessage) Deserialize(r *serialization.Reader) error {
	m.ClientApplications = serialization.ReadObjectArray[ClientApplicationInfo](r)
	return r.Err()
}

type AddNewApplicationMessage struct {
	ApplicationName string
}

func (m *AddNewApplicationMessage) Type() MessageType { return MessageTypeAddNewApplication }

func (m *AddNewApplicationMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	return w.Err()
}

func (m *AddNewApplicationMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	return r.Err()
}

type RemoveApplicationMessage struct {
	ApplicationName string
}

func (m *RemoveApplicationMessage) Type() MessageType { return MessageTypeRemoveApplication }

func (m *RemoveApplicationMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	return w.Err()
}

func (m *RemoveApplicationMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	return r.Err()
}

type RemoveApplicationResponseMessage struct {
	ApplicationName string
	Removed         bool
	ResultMessage   string
}

func (m *RemoveApplicationResponseMessage) Type() MessageType {
	return MessageTypeRemoveApplicationResponse
}

func (m *RemoveApplicationResponseMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	w.WriteBool(m.Removed)
	w.WriteString(m.ResultMessage)
	return w.Err()
}

func (m *RemoveApplicationResponseMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	m.Removed = r.ReadBool()
	m.ResultMessage = r.ReadString()
	return r.Err()
}

// ClientApplicationRefreshEventMessage is pushed to controllers when an application is added or its communicators change.
type ClientApplicationRefreshEventMessage struct {
	Name              string
	CommunicatorCount int32
}

func (m *ClientApplicationRefreshEventMessage) Type() MessageType {
	return MessageTypeClientApplicationRefreshEvent
}

func (m *ClientApplicationRefreshEventMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.Name)
	w.WriteInt32(m.CommunicatorCount)
	return w.Err()
}

func (m *ClientApplicationRefreshEventMessage) Deserialize(r *serialization.Reader) error {
	m.Name = r.ReadString()
	m.CommunicatorCount = r.ReadInt32()
	return r.Err()
}

type ClientApplicationRemovedEventMessage struct {
	ApplicationName string
}

func (m *ClientApplicationRemovedEventMessage) Type() MessageType {
	return MessageTypeClientApplicationRemovedEvent
}

func (m *ClientApplicationRemovedEventMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	return w.Err()
}

func (m *ClientApplicationRemovedEventMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	return r.Err()
}

type GetServerGraphMessage struct{}

func (m *GetServerGraphMessage) Type() MessageType { return MessageTypeGetServerGraph }

func (m *GetServerGraphMessage) Serialize(w *serialization.Writer) error { return w.Err() }

func (m *GetServerGraphMessage) Deserialize(r *serialization.Reader) error { return r.Err() }

type ServerGraphInfoItem struct {
	Name      string
	IPAddress string
	Port      int32
	// Adjacents is a comma separated list of server names.
	Adjacents string
	Location  string
}

func (i *ServerGraphInfoItem) AdjacentServers() []string {
	var names []string
	for _, a := range strings.Split(i.Adjacents, ",") {
		if a = strings.TrimSpace(a); a != "" {
			names = append(names, a)
		}
	}

	return names
}

func (i *ServerGraphInfoItem) Serialize(w *serialization.Writer) error {
	w.WriteString(i.Name)
	w.WriteString(i.IPAddress)
	w.WriteInt32(i.Port)
	w.WriteString(i.Adjacents)
	w.WriteString(i.Location)
	return w.Err()
}

func (i *ServerGraphInfoItem) Deserialize(r *serialization.Reader) error {
	i.Name = r.ReadString()
	i.IPAddress = r.ReadString()
	i.Port = r.ReadInt32()
	i.Adjacents = r.ReadString()
	i.Location = r.ReadString()
	return r.Err()
}

type ServerGraphInfo struct {
	ThisServerName string
	Servers        []*ServerGraphInfoItem
}

func (g *ServerGraphInfo) Serialize(w *serialization.Writer) error {
	w.WriteString(g.ThisServerName)
	serialization.WriteObjectArray(w, g.Servers)
	return w.Err()
}

func (g *ServerGraphInfo) Deserialize(r *serialization.Reader) error {
	g.ThisServerName = r.ReadString()
	g.Servers = serialization.ReadObjectArray[ServerGraphInfoItem](r)
	return r.Err()
}

type GetServerGraphResponseMessage struct {
	ServerGraph *ServerGraphInfo
}

func (m *GetServerGraphResponseMessage) Type() MessageType {
	return MessageTypeGetServerGraphResponse
}

func (m *GetServerGraphResponseMessage) Serialize(w *serialization.Writer) error {
	serialization.WriteObject(w, m.ServerGraph)
	return w.Err()
}

func (m *GetServerGraphResponseMessage) Deserialize(r *serialization.Reader) error {
	m.ServerGraph = serialization.ReadObject[ServerGraphInfo](r)
	return r.Err()
}

type UpdateServerGraphMessage struct {
	ServerGraph *ServerGraphInfo
}

func (m *UpdateServerGraphMessage) Type() MessageType { return MessageTypeUpdateServerGraph }

func (m *UpdateServerGraphMessage) Serialize(w *serialization.Writer) error {
	serialization.WriteObject(w, m.ServerGraph)
	return w.Err()
}

func (m *UpdateServerGraphMessage) Deserialize(r *serialization.Reader) error {
	m.ServerGraph = serialization.ReadObject[ServerGraphInfo](r)
	return r.Err()
}

type ApplicationWebServiceInfo struct {
	Name string
	URL  string
}

func (i *ApplicationWebServiceInfo) Serialize(w *serialization.Writer) error {
	w.WriteString(i.Name)
	w.WriteString(i.URL)
	return w.Err()
}

func (i *ApplicationWebServiceInfo) Deserialize(r *serialization.Reader) error {
	i.Name = r.ReadString()
	i.URL = r.ReadString()
	return r.Err()
}

type GetApplicationWebServicesMessage struct {
	ApplicationName string
}

func (m *GetApplicationWebServicesMessage) Type() MessageType {
	return MessageTypeGetApplicationWebServices
}

func (m *GetApplicationWebServicesMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	return w.Err()
}

func (m *GetApplicationWebServicesMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	return r.Err()
}

type GetApplicationWebServicesResponseMessage struct {
	Success     bool
	ResultText  string
	WebServices []*ApplicationWebServiceInfo
}

func (m *GetApplicationWebServicesResponseMessage) Type() MessageType {
	return MessageTypeGetApplicationWebServicesResponse
}

func (m *GetApplicationWebServicesResponseMessage) Serialize(w *serialization.Writer) error {
	w.WriteBool(m.Success)
	w.WriteString(m.ResultText)
	serialization.WriteObjectArray(w, m.WebServices)
	return w.Err()
}

func (m *GetApplicationWebServicesResponseMessage) Deserialize(r *serialization.Reader) error {
	m.Success = r.ReadBool()
	m.ResultText = r.ReadString()
	m.WebServices = serialization.ReadObjectArray[ApplicationWebServiceInfo](r)
	return r.Err()
}

type UpdateApplicationWebServicesMessage struct {
	ApplicationName string
	WebServices     []*ApplicationWebServiceInfo
}

func (m *UpdateApplicationWebServicesMessage) Type() MessageType {
	return MessageTypeUpdateApplicationWebServices
}

func (m *UpdateApplicationWebServicesMessage) Serialize(w *serialization.Writer) error {
	w.WriteString(m.ApplicationName)
	serialization.WriteObjectArray(w, m.WebServices)
	return w.Err()
}

func (m *UpdateApplicationWebServicesMessage) Deserialize(r *serialization.Reader) error {
	m.ApplicationName = r.ReadString()
	m.WebServices = serialization.ReadObjectArray[ApplicationWebServiceInfo](r)
	return r.Err()
}

type OperationResultMessage struct {
	Success       bool
	ResultMessage string
}

func (m *OperationResultMessage) Type() MessageType { return MessageTypeOperationResult }

func (m *OperationResultMessage) Serialize(w *serialization.Writer) error {
	w.WriteBool(m.Success)
	w.WriteString(m.ResultMessage)
	return w.Err()
}

func (m *OperationResultMessage) Deserialize(r *serialization.Reader) error {
	m.Success = r.ReadBool()
	m.ResultMessage = r.ReadString()
	return r.Err()
}

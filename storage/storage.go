package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
)

var logger = logging.Package("storage")

var (
	ErrNotStarted     = errors.New("storage not started")
	ErrCorruptRecord  = errors.New("corrupt message record")
	ErrInvalidMessage = errors.New("message record without message")
)

// MessageRecord is a persistent envelope waiting for delivery to NextServer.
type MessageRecord struct {
	ID                     int64
	NextServer             string
	DestinationServer      string
	DestinationApplication string
	RecordTime             time.Time
	Message                *protocol.DataTransferMessage
}

// NewMessageRecord fills the destination fields from msg.
func NewMessageRecord(msg *protocol.DataTransferMessage, nextServer string) *MessageRecord {
	return &MessageRecord{
		NextServer:             nextServer,
		DestinationServer:      msg.DestinationServerName,
		DestinationApplication: msg.DestinationApplicationName,
		RecordTime:             time.Now(),
		Message:                msg,
	}
}

// Manager is implemented by every storage engine. Ids are assigned by the
// engine, increase monotonically and are never reused. Queries return records
// with id >= minID ordered by id, at most maxCount of them.
type Manager interface {
	Start() error
	Stop(waitToFinish bool) error

	StoreMessage(record *MessageRecord) (int64, error)

	GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error)
	GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error)

	GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error)
	GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error)

	// RemoveMessage returns the number of removed records, 0 when id is unknown.
	RemoveMessage(id int64) (int, error)

	// UpdateNextServer reroutes every record addressed to destServer.
	UpdateNextServer(destServer, nextServer string) (int, error)
}

type Engine string

const (
	EngineMemory   Engine = "memory"
	EngineBolt     Engine = "bolt"
	EngineBadger   Engine = "badger"
	EnginePostgres Engine = "postgres"
)

type Settings struct {
	Engine           string                 `mapstructure:"engine" toml:"engine" validate:"omitempty,oneof=memory bolt badger postgres"`
	Path             string                 `mapstructure:"path" toml:"path,omitempty"`
	ConnectionString string                 `mapstructure:"connection_string" toml:"connection_string,omitempty"`
	FaultTolerance   FaultToleranceSettings `mapstructure:"fault_tolerance" toml:"fault_tolerance"`
}

// NewEngine returns the engine named by s.Engine, an unknown or empty name
// selects the in-memory engine.
func NewEngine(s Settings) (Manager, error) {
	switch Engine(strings.ToLower(s.Engine)) {
	case EngineBolt:
		if s.Path == "" {
			return nil, fmt.Errorf("bolt storage requires a path")
		}
		return NewBolt(s.Path), nil
	case EngineBadger:
		return NewBadger(s.Path), nil
	case EnginePostgres:
		if s.ConnectionString == "" {
			return nil, fmt.Errorf("postgres storage requires a connection string")
		}
		return NewPostgres(s.ConnectionString), nil
	case EngineMemory:
	default:
		if s.Engine != "" {
			logger.Warn().Str("engine", s.Engine).Msg("unknown storage engine, using memory")
		}
	}

	return NewMemory(), nil
}

// New is NewEngine wrapped in the fault tolerant decorator.
func New(s Settings) (*FaultTolerant, error) {
	engine, err := NewEngine(s)
	if err != nil {
		return nil, err
	}

	return NewFaultTolerant(engine, s.FaultTolerance), nil
}

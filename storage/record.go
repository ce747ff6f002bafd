package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc8"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/serialization"
)

var crcTable = crc8.MakeTable(crc8.CRC8)

func encodeMessage(msg *protocol.DataTransferMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}

	return protocol.Marshal(msg)
}

func decodeMessage(b []byte) (*protocol.DataTransferMessage, error) {
	m, err := protocol.ReadMessage(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	msg, ok := m.(*protocol.DataTransferMessage)
	if !ok {
		return nil, fmt.Errorf("%w: stored %v", ErrCorruptRecord, m.Type())
	}

	return msg, nil
}

// encodeRecord writes the record with the codec and appends a crc8 of the
// preceding bytes.
func encodeRecord(r *MessageRecord) ([]byte, error) {
	payload, err := encodeMessage(r.Message)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := serialization.NewWriter(&buf)
	w.WriteInt64(r.ID)
	w.WriteString(r.NextServer)
	w.WriteString(r.DestinationServer)
	w.WriteString(r.DestinationApplication)
	w.WriteTime(r.RecordTime)
	w.WriteBytes(payload)
	if err := w.Err(); err != nil {
		return nil, err
	}

	buf.WriteByte(crc8.Checksum(buf.Bytes(), crcTable))
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (*MessageRecord, error) {
	if len(b) < 2 {
		return nil, ErrCorruptRecord
	}

	body, sum := b[:len(b)-1], b[len(b)-1]
	if crc8.Checksum(body, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	rd := serialization.NewReader(bytes.NewReader(body))
	r := &MessageRecord{}
	r.ID = rd.ReadInt64()
	r.NextServer = rd.ReadString()
	r.DestinationServer = rd.ReadString()
	r.DestinationApplication = rd.ReadString()
	r.RecordTime = rd.ReadTime()
	payload := rd.ReadBytes()
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	msg, err := decodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	r.Message = msg

	return r, nil
}

// scanned decodes a record met while scanning. A corrupt record is logged and
// skipped so it does not hold up the records around it.
func scanned(engine Engine, id int64, v []byte) *MessageRecord {
	r, err := decodeRecord(v)
	if err != nil {
		logger.Error().Str("engine", string(engine)).Int64("record", id).Err(err).Msg("skipping corrupt record")
		return nil
	}
	return r
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// filter selects the waiting records of one next server, optionally only
// those of one destination application.
type filter struct {
	nextServer  string
	application string
	byApp       bool
}

func (f filter) match(r *MessageRecord) bool {
	if r.NextServer != f.nextServer {
		return false
	}

	return !f.byApp || r.DestinationApplication == f.application
}

// clone copies r so neither side sees later mutations of the envelope.
func clone(r *MessageRecord) *MessageRecord {
	c := *r
	if r.Message != nil {
		m := *r.Message
		m.PassedServers = append([]*protocol.ServerTransmitReport(nil), r.Message.PassedServers...)
		c.Message = &m
	}
	return &c
}

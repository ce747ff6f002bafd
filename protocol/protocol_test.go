package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/serialization"
)

func testDataTransferMessage() *DataTransferMessage {
	return &DataTransferMessage{
		MessageHeader: MessageHeader{
			MessageID:        "2f0f6ad6-5fd0-4c6a-b8a8-0d1d9b1e0a11",
			RepliedMessageID: "",
		},
		SourceServerName:           "server-a",
		SourceApplicationName:      "app1",
		SourceCommunicatorID:       42,
		DestinationServerName:      "server-b",
		DestinationApplicationName: "app2",
		PassedServers: []*ServerTransmitReport{
			{
				ServerName:   "server-a",
				ArrivingTime: time.Date(2022, 1, 2, 3, 4, 5, 600, time.UTC),
				LeavingTime:  time.Date(2022, 1, 2, 3, 4, 6, 0, time.UTC),
			},
		},
		MessageData:  []byte{1, 2, 3, 4},
		TransmitRule: NonPersistent,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	messages := []Message{
		&OperationResultMessage{MessageHeader: MessageHeader{MessageID: "1", RepliedMessageID: "0"}, Success: true, ResultText: "ok"},
		&PingMessage{MessageHeader: MessageHeader{MessageID: "2"}},
		&RegisterMessage{
			MessageHeader:    MessageHeader{MessageID: "3"},
			CommunicatorType: CommunicatorTypeController,
			CommunicationWay: CommunicationWaySend,
			Name:             "app1",
			Password:         "secret",
		},
		&ChangeCommunicationWayMessage{MessageHeader: MessageHeader{MessageID: "4"}, CommunicationWay: CommunicationWaySend},
		testDataTransferMessage(),
		&DataTransferResponseMessage{
			MessageHeader: MessageHeader{MessageID: "6", RepliedMessageID: "5"},
			Result:        &OperationResultMessage{Success: true},
			TimeStamp:     time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		&DataTransferResponseMessage{MessageHeader: MessageHeader{MessageID: "7"}},
		&ControllerMessage{MessageHeader: MessageHeader{MessageID: "8"}, ControllerMessageTypeID: 101, MessageData: []byte{}},
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		require.NoError(t, WriteMessage(&buf, msg))
	}

	for _, expected := range messages {
		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, expected.Type(), msg.Type())
		assert.Equal(t, expected, msg)
	}

	_, err := ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameLayout(t *testing.T) {
	b, err := Marshal(&PingMessage{})
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x4D, 0x51, 0x42, 0x4B, // magic
		0, 0, 0, 2, // type
		0, 0, 0, 0, // message id
		0, 0, 0, 0, // replied message id
	}, b)
}

func TestBadMagic(t *testing.T) {
	b, err := Marshal(testDataTransferMessage())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		data := append(b[:0:0], b...)
		data[i] ^= 0xFF

		_, err := ReadMessage(bytes.NewReader(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadMagic))
		assert.True(t, IsProtocolError(err))
	}
}

func TestUnknownMessageType(t *testing.T) {
	var buf bytes.Buffer
	w := serialization.NewWriter(&buf)
	w.WriteUInt32(Magic)
	w.WriteInt32(99)
	require.NoError(t, w.Err())

	_, err := ReadMessage(&buf)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestTruncatedFrame(t *testing.T) {
	b, err := Marshal(testDataTransferMessage())
	require.NoError(t, err)

	for _, n := range []int{1, 3, 4, 7, 8, len(b) / 2, len(b) - 1} {
		_, err := ReadMessage(bytes.NewReader(b[:n]))
		assert.True(t, errors.Is(err, serialization.ErrTruncated), "cut at %v: %v", n, err)
		assert.True(t, IsProtocolError(err))
	}
}

func TestMessageTooLarge(t *testing.T) {
	msg := testDataTransferMessage()
	msg.MessageData = make([]byte, MaxMessageSize)

	_, err := Marshal(msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestOversizedFrameStopsReading(t *testing.T) {
	// every field fits the limit, the frame as a whole does not
	msg := testDataTransferMessage()
	msg.SourceServerName = string(bytes.Repeat([]byte("s"), 20*1024*1024))
	msg.MessageData = make([]byte, 40*1024*1024)

	var buf bytes.Buffer
	w := serialization.NewWriter(&buf)
	w.WriteUInt32(Magic)
	w.WriteInt32(int32(msg.Type()))
	require.NoError(t, msg.Serialize(w))
	require.Greater(t, buf.Len(), MaxMessageSize)

	src := &countingReader{r: &buf}
	_, err := ReadMessage(src)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.True(t, IsProtocolError(err))
	assert.LessOrEqual(t, src.n, int64(MaxMessageSize+1))
}

func TestPassedServers(t *testing.T) {
	msg := &DataTransferMessage{}
	assert.False(t, msg.HasPassed("a"))

	msg.AddPassedServer(&ServerTransmitReport{ServerName: "a"})
	msg.AddPassedServer(&ServerTransmitReport{ServerName: "b"})

	assert.True(t, msg.HasPassed("a"))
	assert.Equal(t, "b", msg.PassedServers[1].ServerName)
}

func TestParseTransmitRule(t *testing.T) {
	r, err := ParseTransmitRule("nonpersistent")
	require.NoError(t, err)
	assert.Equal(t, NonPersistent, r)

	r, err = ParseTransmitRule("StoreAndForward")
	require.NoError(t, err)
	assert.Equal(t, StoreAndForward, r)

	_, err = ParseTransmitRule("sometimes")
	assert.Error(t, err)
}

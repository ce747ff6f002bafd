package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/storage"
)

// lateCommit hides one record from scans until another record is removed,
// as if its insert committed after a higher id was already delivered.
type lateCommit struct {
	*storage.Memory
	hidden atomic.Int64
}

func (l *lateCommit) visible(list []*storage.MessageRecord, err error) ([]*storage.MessageRecord, error) {
	var out []*storage.MessageRecord
	for _, r := range list {
		if r.ID != l.hidden.Load() {
			out = append(out, r)
		}
	}
	return out, err
}

func (l *lateCommit) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*storage.MessageRecord, error) {
	return l.visible(l.Memory.GetWaitingMessagesOfApplication(nextServer, destApplication, minID, maxCount))
}

func (l *lateCommit) RemoveMessage(id int64) (int, error) {
	n, err := l.Memory.RemoveMessage(id)
	if id != l.hidden.Load() {
		l.hidden.Store(0)
	}
	return n, err
}

func TestLateCommittedRecordDelivered(t *testing.T) {
	st := &lateCommit{Memory: storage.NewMemory()}
	st.hidden.Store(1)

	b := start(t, settings("s1", "producer", "consumer"), WithStorage(st))
	producer := connect(t, b.Addr(), "producer", nil)

	for _, data := range []string{"first", "second"} {
		require.NoError(t, producer.SendMessage(context.Background(), producer.CreateMessage("", "consumer", []byte(data))))
	}

	handler, got := acknowledging()
	connect(t, b.Addr(), "consumer", handler)

	assert.Equal(t, "second", string(receive(t, got).MessageData))
	assert.Equal(t, "first", string(receive(t, got).MessageData))
	assert.Eventually(t, func() bool { return waitingFor(b, "consumer") == 0 }, wait, 10*time.Millisecond)
}

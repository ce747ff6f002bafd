package broker

import (
	"sort"
	"sync/atomic"

	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
	"github.com/tg123/mqbroker/storage"
)

const deliveryBatch = 100

// queueKey names a delivery queue: an application of this server, or a
// neighbour when application is empty.
type queueKey struct {
	server      string
	application string
}

func localKey(server, application string) queueKey {
	return queueKey{server: server, application: application}
}

func serverKey(server string) queueKey {
	return queueKey{server: server}
}

func (k queueKey) String() string {
	if k.application == "" {
		return k.server
	}
	return k.server + "/" + k.application
}

// deliveryQueue moves the stored records of one key, one at a time and in id
// order. A record is removed once acknowledged. A failed delivery stops the
// pass and the record is retried on the next wake up.
type deliveryQueue struct {
	b      *Broker
	key    queueKey
	signal chan struct{}
	rewind atomic.Bool
	cursor int64
}

// queueLocked returns the queue of key, starting it when missing. b.mu must
// be held for writing.
func (b *Broker) queueLocked(key queueKey) *deliveryQueue {
	if q, ok := b.queues[key]; ok {
		return q
	}

	q := &deliveryQueue{b: b, key: key, signal: make(chan struct{}, 1)}
	if b.stopping || !b.started {
		return q
	}

	b.queues[key] = q
	b.t.Go(q.run)
	return q
}

// kick wakes the queue of key.
func (b *Broker) kick(key queueKey) {
	b.mu.Lock()
	q := b.queueLocked(key)
	b.mu.Unlock()
	q.kick(false)
}

// reset wakes the queue of key and makes it scan from the first record.
func (b *Broker) reset(key queueKey) {
	b.mu.Lock()
	q := b.queueLocked(key)
	b.mu.Unlock()
	q.kick(true)
}

// kick wakes the queue, rewind also restarts the scan at the first record so
// records moved to this key by a reroute, or committed after a higher id, are
// seen.
func (q *deliveryQueue) kick(rewind bool) {
	if rewind {
		q.rewind.Store(true)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() error {
	for {
		select {
		case <-q.b.t.Dying():
			return nil
		case <-q.signal:
			q.drain()
		}
	}
}

func (q *deliveryQueue) maxID() (int64, error) {
	if q.key.application != "" {
		return q.b.storage.GetMaxWaitingMessageIDOfApplication(q.key.server, q.key.application)
	}
	return q.b.storage.GetMaxWaitingMessageIDOfServer(q.key.server)
}

func (q *deliveryQueue) waiting(minID int64) ([]*storage.MessageRecord, error) {
	if q.key.application != "" {
		return q.b.storage.GetWaitingMessagesOfApplication(q.key.server, q.key.application, minID, deliveryBatch)
	}
	return q.b.storage.GetWaitingMessagesOfServer(q.key.server, minID, deliveryBatch)
}

func (q *deliveryQueue) target() target {
	if q.key.application != "" {
		return q.b.applicationTarget(q.key.application)
	}
	return q.b.serverTarget(q.key.server)
}

func (q *deliveryQueue) dying() bool {
	select {
	case <-q.b.t.Dying():
		return true
	default:
		return false
	}
}

func (q *deliveryQueue) drain() {
	if q.rewind.Swap(false) {
		q.cursor = 0
	}

	for !q.dying() {
		last, err := q.maxID()
		if err != nil {
			logger.Error().Str(logging.EVENT, "POLL_FAILED").Str("queue", q.key.String()).Err(err).Msg("")
			return
		}

		if last == 0 || last < q.cursor {
			return
		}

		records, err := q.waiting(q.cursor)
		if err != nil {
			logger.Error().Str(logging.EVENT, "POLL_FAILED").Str("queue", q.key.String()).Err(err).Msg("")
			return
		}

		if len(records) == 0 {
			q.cursor = last + 1
			return
		}

		for _, r := range records {
			if q.dying() || !q.deliver(r) {
				return
			}
			q.cursor = r.ID + 1
		}
	}
}

func (q *deliveryQueue) deliver(r *storage.MessageRecord) bool {
	to := q.target()
	if to == nil {
		return false
	}

	msg := r.Message
	leaving(msg, q.b.name)

	resp, err := to.SendAndWait(q.b.t.Context(nil), msg, q.b.deliveryTimeout)
	if err != nil {
		q.b.metrics.DeliveryFailures.Inc()
		logger.Warn().Str(logging.EVENT, "DELIVERY_FAILED").Str("queue", q.key.String()).Str(logging.ID, msg.MessageID).Err(err).Msg("")
		return false
	}

	ack, ok := resp.(*protocol.DataTransferResponseMessage)
	if !ok || !ack.Success() {
		q.b.metrics.DeliveryFailures.Inc()
		text := resp.Type().String()
		if ok && ack.Result != nil {
			text = ack.Result.ResultText
		}
		logger.Warn().Str(logging.EVENT, "DELIVERY_REJECTED").Str("queue", q.key.String()).Str(logging.ID, msg.MessageID).Msg(text)
		return false
	}

	if _, err := q.b.storage.RemoveMessage(r.ID); err != nil {
		logger.Error().Str(logging.EVENT, "REMOVE_FAILED").Int64("record", r.ID).Err(err).Msg("")
		return false
	}

	q.b.metrics.Delivered.Inc()
	logger.Debug().Str(logging.EVENT, "DELIVERED").Str("queue", q.key.String()).Str(logging.ID, msg.MessageID).Msg("")
	return true
}

func sortRemotes(list []*remote) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].comm.ID() < list[j].comm.ID()
	})
}

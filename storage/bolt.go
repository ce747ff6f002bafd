package storage

import (
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// Bolt stores records in a single bbolt file, keyed by big endian id.
type Bolt struct {
	path string

	// mu guards db, every operation runs in its own transaction
	mu sync.RWMutex
	db *bolt.DB
}

func NewBolt(path string) *Bolt {
	return &Bolt{path: path}
}

func (b *Bolt) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return err
	}

	b.db = db
	logger.Info().Str("engine", string(EngineBolt)).Str("path", b.path).Msg("storage started")
	return nil
}

// Stop closes the file. bbolt waits for open transactions either way.
func (b *Bolt) Stop(waitToFinish bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Bolt) view(fn func(bk *bolt.Bucket) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrNotStarted
	}

	return b.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(messagesBucket))
	})
}

func (b *Bolt) update(fn func(bk *bolt.Bucket) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrNotStarted
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(messagesBucket))
	})
}

func (b *Bolt) StoreMessage(r *MessageRecord) (int64, error) {
	if r.Message == nil {
		return 0, ErrInvalidMessage
	}

	var id int64
	err := b.update(func(bk *bolt.Bucket) error {
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}

		stored := clone(r)
		stored.ID = int64(seq)

		v, err := encodeRecord(stored)
		if err != nil {
			return err
		}

		if err := bk.Put(idKey(stored.ID), v); err != nil {
			return err
		}

		id = stored.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.ID = id
	return id, nil
}

func (b *Bolt) waiting(f filter, minID int64, maxCount int) ([]*MessageRecord, error) {
	if minID < 0 {
		minID = 0
	}

	var list []*MessageRecord
	err := b.view(func(bk *bolt.Bucket) error {
		c := bk.Cursor()
		for k, v := c.Seek(idKey(minID)); k != nil; k, v = c.Next() {
			if maxCount >= 0 && len(list) >= maxCount {
				return nil
			}

			r := scanned(EngineBolt, keyID(k), v)
			if r != nil && f.match(r) {
				list = append(list, r)
			}
		}
		return nil
	})

	return list, err
}

func (b *Bolt) maxWaiting(f filter) (int64, error) {
	var max int64
	err := b.view(func(bk *bolt.Bucket) error {
		c := bk.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			r := scanned(EngineBolt, keyID(k), v)
			if r != nil && f.match(r) {
				max = keyID(k)
				return nil
			}
		}
		return nil
	})

	return max, err
}

func (b *Bolt) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return b.waiting(filter{nextServer: nextServer, application: destApplication, byApp: true}, minID, maxCount)
}

func (b *Bolt) GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error) {
	return b.maxWaiting(filter{nextServer: nextServer, application: destApplication, byApp: true})
}

func (b *Bolt) GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return b.waiting(filter{nextServer: nextServer}, minID, maxCount)
}

func (b *Bolt) GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error) {
	return b.maxWaiting(filter{nextServer: nextServer})
}

func (b *Bolt) RemoveMessage(id int64) (int, error) {
	n := 0
	err := b.update(func(bk *bolt.Bucket) error {
		k := idKey(id)
		if bk.Get(k) == nil {
			return nil
		}

		n = 1
		return bk.Delete(k)
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

func (b *Bolt) UpdateNextServer(destServer, nextServer string) (int, error) {
	n := 0
	err := b.update(func(bk *bolt.Bucket) error {
		n = 0
		updated := make(map[int64][]byte)

		err := bk.ForEach(func(k, v []byte) error {
			r := scanned(EngineBolt, keyID(k), v)
			if r == nil || r.DestinationServer != destServer || r.NextServer == nextServer {
				return nil
			}

			r.NextServer = nextServer
			nv, err := encodeRecord(r)
			if err != nil {
				return err
			}

			updated[keyID(k)] = nv
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids writes while iterating with ForEach
		for id, v := range updated {
			if err := bk.Put(idKey(id), v); err != nil {
				return err
			}
		}

		n = len(updated)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	recordPrefix = []byte("msg/")
	sequenceKey  = []byte("seq/messages")
)

// Badger stores records in a badger directory, or fully in memory when the
// path is empty.
type Badger struct {
	path string

	mu  sync.RWMutex
	db  *badger.DB
	seq *badger.Sequence

	// storeMu makes ids visible in the order they are taken
	storeMu sync.Mutex
}

func NewBadger(path string) *Badger {
	return &Badger{path: path}
}

func recordKey(id int64) []byte {
	return append(append([]byte(nil), recordPrefix...), idKey(id)...)
}

func (b *Badger) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(b.path).WithLogger(badgerLogger{})
	if b.path == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(b.path, 0700); err != nil {
		return fmt.Errorf("open badger: create %q: %w", b.path, err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return err
	}

	seq, err := db.GetSequence(sequenceKey, 64)
	if err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.seq = seq
	logger.Info().Str("engine", string(EngineBadger)).Str("path", b.path).Msg("storage started")
	return nil
}

// Stop releases the id lease and closes the database. Ids leased but unused
// are skipped after a restart.
func (b *Badger) Stop(waitToFinish bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}

	err := b.seq.Release()
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}

	b.db = nil
	b.seq = nil
	return err
}

func (b *Badger) handle() (*badger.DB, error) {
	if b.db == nil {
		return nil, ErrNotStarted
	}

	return b.db, nil
}

func (b *Badger) StoreMessage(r *MessageRecord) (int64, error) {
	if r.Message == nil {
		return 0, ErrInvalidMessage
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return 0, err
	}

	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	next, err := b.seq.Next()
	if err != nil {
		return 0, err
	}

	stored := clone(r)
	// badger sequences start at 0
	stored.ID = int64(next) + 1

	v, err := encodeRecord(stored)
	if err != nil {
		return 0, err
	}

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(stored.ID), v)
	})
	if err != nil {
		return 0, err
	}

	r.ID = stored.ID
	return stored.ID, nil
}

// scan walks the records in id order starting at minID, or in reverse from
// the highest id, until fn returns false.
func (b *Badger) scan(minID int64, reverse bool, fn func(*MessageRecord) bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = recordPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		start := recordKey(minID)
		if reverse {
			start = append(append([]byte(nil), recordPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}

		for it.Seek(start); it.ValidForPrefix(recordPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			r := scanned(EngineBadger, keyID(it.Item().Key()[len(recordPrefix):]), v)
			if r == nil {
				continue
			}

			if !fn(r) {
				return nil
			}
		}

		return nil
	})
}

func (b *Badger) waiting(f filter, minID int64, maxCount int) ([]*MessageRecord, error) {
	if minID < 0 {
		minID = 0
	}

	var list []*MessageRecord
	err := b.scan(minID, false, func(r *MessageRecord) bool {
		if maxCount >= 0 && len(list) >= maxCount {
			return false
		}

		if f.match(r) {
			list = append(list, r)
		}
		return true
	})

	return list, err
}

func (b *Badger) maxWaiting(f filter) (int64, error) {
	var max int64
	err := b.scan(0, true, func(r *MessageRecord) bool {
		if f.match(r) {
			max = r.ID
			return false
		}
		return true
	})

	return max, err
}

func (b *Badger) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return b.waiting(filter{nextServer: nextServer, application: destApplication, byApp: true}, minID, maxCount)
}

func (b *Badger) GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error) {
	return b.maxWaiting(filter{nextServer: nextServer, application: destApplication, byApp: true})
}

func (b *Badger) GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return b.waiting(filter{nextServer: nextServer}, minID, maxCount)
}

func (b *Badger) GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error) {
	return b.maxWaiting(filter{nextServer: nextServer})
}

func (b *Badger) RemoveMessage(id int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return 0, err
	}

	n := 0
	err = db.Update(func(txn *badger.Txn) error {
		k := recordKey(id)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		n = 1
		return txn.Delete(k)
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// UpdateNextServer rewrites the records inside one transaction, a concurrent
// conflicting write fails it with badger.ErrConflict.
func (b *Badger) UpdateNextServer(destServer, nextServer string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	db, err := b.handle()
	if err != nil {
		return 0, err
	}

	n := 0
	err = db.Update(func(txn *badger.Txn) error {
		n = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			r := scanned(EngineBadger, keyID(it.Item().Key()[len(recordPrefix):]), v)
			if r == nil || r.DestinationServer != destServer || r.NextServer == nextServer {
				continue
			}

			r.NextServer = nextServer
			nv, err := encodeRecord(r)
			if err != nil {
				return err
			}

			if err := txn.Set(recordKey(r.ID), nv); err != nil {
				return err
			}
			n++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

type badgerLogger struct{}

func (badgerLogger) format(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error().Str("module", "badger").Msg(l.format(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warn().Str("module", "badger").Msg(l.format(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	logger.Debug().Str("module", "badger").Msg(l.format(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	logger.Trace().Str("module", "badger").Msg(l.format(format, args...))
}

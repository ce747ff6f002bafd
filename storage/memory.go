package storage

import (
	"sort"
	"sync"
)

// Memory keeps records in process. Records survive Stop and Start of the same
// instance but not the process.
type Memory struct {
	mu      sync.RWMutex
	running bool
	lastID  int64
	records map[int64]*MessageRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[int64]*MessageRecord)}
}

func (m *Memory) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *Memory) Stop(waitToFinish bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *Memory) StoreMessage(r *MessageRecord) (int64, error) {
	if r.Message == nil {
		return 0, ErrInvalidMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, ErrNotStarted
	}

	m.lastID++
	r.ID = m.lastID
	m.records[r.ID] = clone(r)
	return r.ID, nil
}

func (m *Memory) waiting(f filter, minID int64, maxCount int) ([]*MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil, ErrNotStarted
	}

	var list []*MessageRecord
	for id, r := range m.records {
		if id >= minID && f.match(r) {
			list = append(list, r)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	if maxCount >= 0 && len(list) > maxCount {
		list = list[:maxCount]
	}

	for i, r := range list {
		list[i] = clone(r)
	}

	return list, nil
}

func (m *Memory) maxWaiting(f filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return 0, ErrNotStarted
	}

	var max int64
	for id, r := range m.records {
		if id > max && f.match(r) {
			max = id
		}
	}

	return max, nil
}

func (m *Memory) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return m.waiting(filter{nextServer: nextServer, application: destApplication, byApp: true}, minID, maxCount)
}

func (m *Memory) GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error) {
	return m.maxWaiting(filter{nextServer: nextServer, application: destApplication, byApp: true})
}

func (m *Memory) GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return m.waiting(filter{nextServer: nextServer}, minID, maxCount)
}

func (m *Memory) GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error) {
	return m.maxWaiting(filter{nextServer: nextServer})
}

func (m *Memory) RemoveMessage(id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, ErrNotStarted
	}

	if _, ok := m.records[id]; !ok {
		return 0, nil
	}

	delete(m.records, id)
	return 1, nil
}

func (m *Memory) UpdateNextServer(destServer, nextServer string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, ErrNotStarted
	}

	n := 0
	for _, r := range m.records {
		if r.DestinationServer == destServer && r.NextServer != nextServer {
			r.NextServer = nextServer
			n++
		}
	}

	return n, nil
}

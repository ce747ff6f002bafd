package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mqbroker_messages (
	id                      BIGSERIAL PRIMARY KEY,
	next_server             TEXT NOT NULL,
	destination_server      TEXT NOT NULL,
	destination_application TEXT NOT NULL,
	record_time             TIMESTAMPTZ NOT NULL,
	message                 BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS mqbroker_messages_next_server ON mqbroker_messages (next_server, destination_application, id);
`

const selectRecord = `SELECT id, next_server, destination_server, destination_application, record_time, message FROM mqbroker_messages`

// Postgres stores records in a postgres table through lib/pq.
type Postgres struct {
	connectionString string

	mu     sync.RWMutex
	db     *sql.DB
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPostgres(connectionString string) *Postgres {
	return &Postgres{connectionString: connectionString}
}

func (p *Postgres) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", p.connectionString)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 30*time.Second)
	defer pingCancel()
	if _, err := db.ExecContext(pingCtx, postgresSchema); err != nil {
		cancel()
		db.Close()
		return err
	}

	p.db = db
	p.ctx = ctx
	p.cancel = cancel
	logger.Info().Str("engine", string(EnginePostgres)).Msg("storage started")
	return nil
}

// Stop closes the pool. Without waitToFinish running queries are cancelled.
func (p *Postgres) Stop(waitToFinish bool) error {
	if !waitToFinish {
		p.mu.RLock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.RUnlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}

	p.cancel()
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Postgres) handle() (*sql.DB, context.Context, error) {
	if p.db == nil {
		return nil, nil, ErrNotStarted
	}

	return p.db, p.ctx, nil
}

func (p *Postgres) StoreMessage(r *MessageRecord) (int64, error) {
	payload, err := encodeMessage(r.Message)
	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ctx, err := p.handle()
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.QueryRowContext(ctx,
		`INSERT INTO mqbroker_messages (next_server, destination_server, destination_application, record_time, message) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.NextServer, r.DestinationServer, r.DestinationApplication, r.RecordTime.UTC(), payload,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	r.ID = id
	return id, nil
}

func (p *Postgres) query(query string, args ...interface{}) ([]*MessageRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ctx, err := p.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*MessageRecord
	for rows.Next() {
		r := &MessageRecord{}
		var payload []byte
		if err := rows.Scan(&r.ID, &r.NextServer, &r.DestinationServer, &r.DestinationApplication, &r.RecordTime, &payload); err != nil {
			return nil, err
		}

		if r.Message, err = decodeMessage(payload); err != nil {
			return nil, err
		}

		list = append(list, r)
	}

	return list, rows.Err()
}

func (p *Postgres) scalar(query string, args ...interface{}) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ctx, err := p.handle()
	if err != nil {
		return 0, err
	}

	var v int64
	err = db.QueryRowContext(ctx, query, args...).Scan(&v)
	return v, err
}

func (p *Postgres) exec(query string, args ...interface{}) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ctx, err := p.handle()
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func limit(maxCount int) interface{} {
	if maxCount < 0 {
		// LIMIT NULL is no limit
		return nil
	}

	return maxCount
}

func (p *Postgres) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return p.query(selectRecord+` WHERE next_server = $1 AND destination_application = $2 AND id >= $3 ORDER BY id LIMIT $4`,
		nextServer, destApplication, minID, limit(maxCount))
}

func (p *Postgres) GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error) {
	return p.scalar(`SELECT COALESCE(MAX(id), 0) FROM mqbroker_messages WHERE next_server = $1 AND destination_application = $2`,
		nextServer, destApplication)
}

func (p *Postgres) GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return p.query(selectRecord+` WHERE next_server = $1 AND id >= $2 ORDER BY id LIMIT $3`,
		nextServer, minID, limit(maxCount))
}

func (p *Postgres) GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error) {
	return p.scalar(`SELECT COALESCE(MAX(id), 0) FROM mqbroker_messages WHERE next_server = $1`, nextServer)
}

func (p *Postgres) RemoveMessage(id int64) (int, error) {
	return p.exec(`DELETE FROM mqbroker_messages WHERE id = $1`, id)
}

func (p *Postgres) UpdateNextServer(destServer, nextServer string) (int, error) {
	return p.exec(`UPDATE mqbroker_messages SET next_server = $2 WHERE destination_server = $1 AND next_server <> $2`,
		destServer, nextServer)
}

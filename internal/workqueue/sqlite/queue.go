// Package sqlite implements a durable single-host work queue on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidpipe/internal/jobstore"
	"vidpipe/internal/workqueue"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const defaultPollInterval = 500 * time.Millisecond

// Queue stores messages in a SQLite table. Visibility is a millisecond
// timestamp; a receive rewrites it to the lease deadline.
type Queue struct {
	db           *sql.DB
	name         string
	path         string
	pollInterval time.Duration
	now          func() time.Time
}

var _ workqueue.Queue = (*Queue)(nil)

// Open opens or creates the queue database at path. Several named queues may
// share one database.
func Open(path, name string, pollInterval time.Duration) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue database path is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("queue name is required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	db, err := jobstore.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db, name: name, path: path, pollInterval: pollInterval, now: time.Now}
	if err := q.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	var tableExists int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='queue_schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check queue_schema_version table: %w", err)
	}
	if tableExists > 0 {
		var version int
		if err := q.db.QueryRowContext(ctx, "SELECT version FROM queue_schema_version LIMIT 1").Scan(&version); err != nil {
			return fmt.Errorf("read queue schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: queue database has version %d, expected %d (move %s aside to recreate it)",
				jobstore.ErrSchemaMismatch, version, schemaVersion, q.path)
		}
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO queue_schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record queue schema version: %w", err)
	}
	return tx.Commit()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Send enqueues d for immediate delivery.
func (q *Queue) Send(ctx context.Context, d workqueue.Dispatch) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}
	now := millis(q.now())
	return jobstore.RetryOnBusy(ctx, func() error {
		_, execErr := q.db.ExecContext(ctx,
			`INSERT INTO queue_messages (id, queue, body, visible_at, receive_count, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			uuid.NewString(), q.name, body, now, now)
		return execErr
	})
}

// Receive polls for visible messages every poll interval until opts.Wait elapses.
func (q *Queue) Receive(ctx context.Context, opts workqueue.ReceiveOptions) ([]workqueue.Message, error) {
	opts = opts.Normalize()
	deadline := q.now().Add(opts.Wait)
	for {
		msgs, err := q.claim(ctx, opts)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > q.pollInterval {
			remaining = q.pollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// claim leases a batch in one UPDATE ... RETURNING statement so concurrent
// consumers never receive the same visible message.
func (q *Queue) claim(ctx context.Context, opts workqueue.ReceiveOptions) ([]workqueue.Message, error) {
	now := q.now()
	leaseUntil := now.Add(opts.Lease)
	batch := uuid.NewString()
	var msgs []workqueue.Message
	err := jobstore.RetryOnBusy(ctx, func() error {
		msgs = msgs[:0]
		rows, err := q.db.QueryContext(ctx,
			`UPDATE queue_messages
			 SET receipt = id || '.' || ?, receive_count = receive_count + 1, visible_at = ?
			 WHERE id IN (
			     SELECT id FROM queue_messages
			     WHERE queue = ? AND visible_at <= ?
			     ORDER BY visible_at, created_at
			     LIMIT ?
			 )
			 RETURNING id, body, receipt, receive_count, created_at`,
			batch, millis(leaseUntil), q.name, millis(now), opts.MaxMessages)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				msg       workqueue.Message
				createdAt int64
			)
			if err := rows.Scan(&msg.ID, &msg.Body, &msg.Token, &msg.ReceiveCount, &createdAt); err != nil {
				return err
			}
			msg.LeaseUntil = time.UnixMilli(millis(leaseUntil)).UTC()
			msg.SentAt = time.UnixMilli(createdAt).UTC()
			msgs = append(msgs, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	return msgs, nil
}

// Delete acknowledges the message leased under token.
func (q *Queue) Delete(ctx context.Context, token string) error {
	var res sql.Result
	err := jobstore.RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = q.db.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = ? AND receipt = ? AND visible_at > ?`,
			q.name, token, millis(q.now()))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	return requireOne(res)
}

// Extend renews the lease held by token.
func (q *Queue) Extend(ctx context.Context, token string, lease time.Duration) error {
	now := q.now()
	var res sql.Result
	err := jobstore.RetryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = q.db.ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ? WHERE queue = ? AND receipt = ? AND visible_at > ?`,
			millis(now.Add(lease)), q.name, token, millis(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("extend lease on %s: %w", q.name, err)
	}
	return requireOne(res)
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workqueue.ErrLeaseLost
	}
	return nil
}

// Depth counts undeleted messages, visible or leased.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_messages WHERE queue = ?`, q.name).Scan(&n)
	return n, err
}

// Close closes the database.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campaignd/campaign"
)

// sqlStore is the Store implementation shared by both backends. The
// embedded queries run against the pool; WithTx rebinds them to a
// transaction.
type sqlStore struct {
	queries
	db *sql.DB
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{queries: queries{x: db, d: d}, db: db}
}

// WithTx runs fn inside a transaction at read-committed isolation (the
// row locks taken by ForUpdate reads provide the per-node serialisation).
func (s *sqlStore) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&queries{x: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ClaimTasks pops up to limit open, unclaimed tasks and marks them
// submitted, all within one transaction. The dialect's claim suffix (SKIP
// LOCKED on MySQL) keeps concurrent claimers from blocking on each other's
// rows; on SQLite the single-writer model makes the suffix unnecessary.
func (s *sqlStore) ClaimTasks(ctx context.Context, limit int) ([]campaign.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []campaign.Task
	err := s.WithTx(ctx, func(q Querier) error {
		qq := q.(*queries)
		rows, err := qq.x.QueryContext(ctx,
			`SELECT `+taskCols+` FROM tasks_v2
			  WHERE finished_at IS NULL AND submitted_at IS NULL
			  ORDER BY (priority IS NULL), priority, created_at
			  LIMIT ?`+s.d.claimSuffix(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := qq.scanTask(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, *t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range claimed {
			claimed[i].SubmittedAt = &now
			if _, err := qq.x.ExecContext(ctx,
				`UPDATE tasks_v2 SET submitted_at = ? WHERE id = ?`,
				timeCol(now), claimed[i].ID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

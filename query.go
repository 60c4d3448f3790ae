package pgpool

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/pgtools/pgpool/driver"
)

// FetchMode selects the result shape of Query.
type FetchMode string

const (
	// FetchSingle returns the first record of the result, or nil.
	FetchSingle FetchMode = "single"
	// FetchMany returns every record of the result.
	FetchMany FetchMode = "many"
)

// Execute runs stmt inside its own transaction scope and returns the
// affected row count.
func (p *Pool) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	var count int64
	err := p.WithCursor(ctx, TxOptions{}, func(cur driver.Cursor) error {
		if err := p.execute(ctx, cur, stmt, args); err != nil {
			return err
		}
		count = cur.RowCount()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FetchOne runs stmt inside its own transaction scope and returns the first
// record, or nil when the result is empty.
func (p *Pool) FetchOne(ctx context.Context, stmt string, args ...any) (driver.Record, error) {
	var record driver.Record
	err := p.WithCursor(ctx, TxOptions{}, func(cur driver.Cursor) error {
		if err := p.execute(ctx, cur, stmt, args); err != nil {
			return err
		}
		var err error
		record, err = cur.FetchOne()
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FetchAll runs stmt inside its own transaction scope and returns the fully
// materialized result in server order.
func (p *Pool) FetchAll(ctx context.Context, stmt string, args ...any) ([]driver.Record, error) {
	var records []driver.Record
	err := p.WithCursor(ctx, TxOptions{}, func(cur driver.Cursor) error {
		if err := p.execute(ctx, cur, stmt, args); err != nil {
			return err
		}
		for {
			batch, err := cur.FetchMany(p.config.BatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			records = append(records, batch...)
		}
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FetchIter runs stmt inside one transaction scope held open for the whole
// iteration and yields records one at a time, pulling Config.BatchSize
// records per server fetch so memory stays bounded regardless of result
// size. The sequence is finite, forward-only and not restartable: ranging
// over it a second time yields an error. Breaking out early commits and
// releases the connection normally.
func (p *Pool) FetchIter(ctx context.Context, stmt string, args ...any) iter.Seq2[driver.Record, error] {
	var used atomic.Bool
	return func(yield func(driver.Record, error) bool) {
		if used.Swap(true) {
			yield(nil, &Error{Err: &ConfigError{Reason: "FetchIter sequence is not restartable"}})
			return
		}
		err := p.WithCursor(ctx, TxOptions{}, func(cur driver.Cursor) error {
			if err := p.execute(ctx, cur, stmt, args); err != nil {
				return err
			}
			for {
				batch, err := cur.FetchMany(p.config.BatchSize)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					return nil
				}
				for _, record := range batch {
					if !yield(record, nil) {
						return nil
					}
				}
			}
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// Query is the generic dispatcher over FetchOne and FetchAll. Any underlying
// failure is wrapped in *Error so callers never depend on driver error
// types. The result is a driver.Record for FetchSingle and a
// []driver.Record for FetchMany.
func (p *Pool) Query(ctx context.Context, stmt string, mode FetchMode, args ...any) (any, error) {
	switch mode {
	case FetchSingle:
		record, err := p.FetchOne(ctx, stmt, args...)
		if err != nil {
			return nil, &Error{Err: err}
		}
		return record, nil
	case FetchMany:
		records, err := p.FetchAll(ctx, stmt, args...)
		if err != nil {
			return nil, &Error{Err: err}
		}
		return records, nil
	default:
		return nil, &Error{Err: &ConfigError{Reason: "unknown fetch mode: " + string(mode)}}
	}
}

// execute submits one statement on a scope cursor (which drives the
// round-trip itself). Server rejections come back as *StatementError naming
// the statement; adapter failures stay *OperationalError.
func (p *Pool) execute(ctx context.Context, cur driver.Cursor, stmt string, args []any) error {
	if err := cur.Execute(ctx, stmt, args...); err != nil {
		var opErr *OperationalError
		if errors.As(err, &opErr) {
			return err
		}
		return &StatementError{Statement: stmt, Err: err}
	}
	return nil
}

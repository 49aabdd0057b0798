// Package eventdb indexes committed ledger events in sqlite for auditing.
package eventdb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/stable-net/stakingd/pkg/ledger"
)

var logger = log.New("pkg", "eventdb")

var _ ledger.Indexer = (*EventDB)(nil)

// EventDB is the sqlite event index.
type EventDB struct {
	path          string
	db            *sql.DB
	driverVersion string
}

// New creates or opens the index at path.
func New(path string) (edb *EventDB, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if edb == nil {
			db.Close()
		}
	}()
	if path == ":memory:" {
		// every connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(eventTableSchema); err != nil {
		return nil, errors.Wrap(err, "create schema")
	}

	driverVer, _, _ := sqlite3.Version()
	return &EventDB{
		path:          path,
		db:            db,
		driverVersion: driverVer,
	}, nil
}

// NewMem creates an index in ram.
func NewMem() (*EventDB, error) {
	return New(":memory:")
}

// Close closes the index.
func (e *EventDB) Close() error {
	return e.db.Close()
}

// Path returns the database path.
func (e *EventDB) Path() string {
	return e.path
}

// DriverVersion returns the sqlite library version.
func (e *EventDB) DriverVersion() string {
	return e.driverVersion
}

// Insert stores events in one transaction.
func (e *EventDB) Insert(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO event(seq, kind, account, amount, active, time) VALUES(?,?,?,?,?,?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		amount := ev.Amount.Bytes32()
		active := 0
		if ev.Active {
			active = 1
		}
		if _, err := stmt.ExecContext(ctx, int64(ev.Seq), string(ev.Kind), ev.Account.Bytes(), amount[:], active, int64(ev.Time)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert event %d", ev.Seq)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Trace("Indexed events", "from", events[0].Seq, "count", len(events))
	return nil
}

// LastSeq returns the highest stored sequence number, or 0 if empty.
func (e *EventDB) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := e.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM event").Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Filter returns the events matching filter. A nil filter returns everything
// in ascending order.
func (e *EventDB) Filter(ctx context.Context, filter *Filter) ([]ledger.Event, error) {
	const sel = "SELECT seq, kind, account, amount, active, time FROM event"
	if filter == nil {
		return e.query(ctx, sel+" ORDER BY seq ASC")
	}

	var args []interface{}
	stmt := sel + " WHERE 1"
	if filter.Account != nil {
		args = append(args, filter.Account.Bytes())
		stmt += " AND account = ? "
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		stmt += " AND kind IN (" + strings.Join(marks, ",") + ") "
	}
	if filter.Range != nil {
		args = append(args, int64(filter.Range.From))
		stmt += " AND time >= ? "
		if filter.Range.To >= filter.Range.From {
			args = append(args, int64(filter.Range.To))
			stmt += " AND time <= ? "
		}
	}

	if filter.Order == DESC {
		stmt += " ORDER BY seq DESC "
	} else {
		stmt += " ORDER BY seq ASC "
	}

	if opts := filter.Options; opts != nil {
		// A zero limit pages without an upper bound; sqlite reads -1 as unlimited
		limit := int64(-1)
		if opts.Limit > 0 {
			limit = int64(opts.Limit)
		}
		stmt += " LIMIT ? OFFSET ? "
		args = append(args, limit, int64(opts.Offset))
	}
	return e.query(ctx, stmt, args...)
}

func (e *EventDB) query(ctx context.Context, stmt string, args ...interface{}) ([]ledger.Event, error) {
	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var (
			seq     int64
			kind    string
			account []byte
			amount  []byte
			active  int
			time    int64
		)
		if err := rows.Scan(&seq, &kind, &account, &amount, &active, &time); err != nil {
			return nil, err
		}
		ev := ledger.Event{
			Seq:     uint64(seq),
			Kind:    ledger.Kind(kind),
			Account: common.BytesToAddress(account),
			Active:  active != 0,
			Time:    uint64(time),
		}
		ev.Amount.SetBytes(amount)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

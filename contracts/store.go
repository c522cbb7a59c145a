package contracts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"mailerd/schedule"
)

// DateLayout is how dates are stored in TEXT columns.
const DateLayout = time.DateTime

var dateLayouts = []string{DateLayout, "2006-01-02T15:04:05", time.RFC3339, time.DateOnly}

// ErrNotFound is returned for an unknown contract id.
var ErrNotFound = errors.New("contract not found")

// Account is a party to a contract.
type Account struct {
	ID    int64
	Name  fn.Option[string]
	Email fn.Option[string]
}

// Contract is one row of the contracts table.
type Contract struct {
	ID           int64
	SenderID     int64
	RecipientID  int64
	Type         fn.Option[string]
	StartDate    fn.Option[time.Time]
	EndDate      fn.Option[time.Time]
	AutoRenew    bool
	CancelDate   fn.Option[time.Time]
	PeriodMonths fn.Option[int]
	MonthlyRate  fn.Option[int64]
}

// Store reads and advances contracts.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ schedule.Source = (*Store)(nil)

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateAccount inserts an account and returns its id.
func (s *Store) CreateAccount(ctx context.Context, a Account) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (name, email) VALUES (?, ?)`,
		nullString(a.Name), nullString(a.Email))
	if err != nil {
		return 0, mapSQLError("create account", err)
	}
	return res.LastInsertId()
}

// CreateContract inserts a contract and returns its id.
func (s *Store) CreateContract(ctx context.Context, c Contract) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (
			sender_id, recipient_id, contract_type, start_date, end_date,
			auto_renew, cancel_date, invoice_period_months, monthly_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SenderID, c.RecipientID, nullString(c.Type),
		nullDate(c.StartDate), nullDate(c.EndDate), c.AutoRenew,
		nullDate(c.CancelDate), nullInt(c.PeriodMonths),
		nullInt64(c.MonthlyRate),
	)
	if err != nil {
		return 0, mapSQLError("create contract", err)
	}
	return res.LastInsertId()
}

// Contract returns one contract by id.
func (s *Store) Contract(ctx context.Context, id int64) (Contract, error) {
	var (
		c                  Contract
		typ                sql.NullString
		start, end, cancel sql.NullString
		period             sql.NullInt64
		rate               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, contract_type, start_date,
			end_date, auto_renew, cancel_date, invoice_period_months,
			monthly_rate
		FROM contracts WHERE id = ?`, id,
	).Scan(&c.ID, &c.SenderID, &c.RecipientID, &typ, &start, &end,
		&c.AutoRenew, &cancel, &period, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return Contract{}, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Contract{}, mapSQLError("get contract", err)
	}
	c.Type = optString(typ)
	if c.StartDate, err = optDate(start); err != nil {
		return Contract{}, err
	}
	if c.EndDate, err = optDate(end); err != nil {
		return Contract{}, err
	}
	if c.CancelDate, err = optDate(cancel); err != nil {
		return Contract{}, err
	}
	if period.Valid {
		c.PeriodMonths = fn.Some(int(period.Int64))
	}
	if rate.Valid {
		c.MonthlyRate = fn.Some(rate.Int64)
	}
	return c, nil
}

// Obligations returns every auto-renewing contract that has not been
// cancelled, joined with its sender and recipient accounts. A contract
// whose account row is missing comes back without that party's email so
// the scheduler skips it.
func (s *Store) Obligations(ctx context.Context) ([]schedule.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.contract_type, c.start_date, c.end_date,
			c.invoice_period_months,
			c.sender_id, snd.name, snd.email,
			c.recipient_id, rcp.name, rcp.email
		FROM contracts c
		LEFT JOIN accounts snd ON snd.id = c.sender_id
		LEFT JOIN accounts rcp ON rcp.id = c.recipient_id
		WHERE c.auto_renew = 1
			AND (c.cancel_date IS NULL OR c.cancel_date > ?)
		ORDER BY c.id`, formatDate(s.now()))
	if err != nil {
		return nil, mapSQLError("list obligations", err)
	}
	defer rows.Close()

	var out []schedule.Obligation
	for rows.Next() {
		var (
			ob            schedule.Obligation
			typ           sql.NullString
			start, end    sql.NullString
			period        sql.NullInt64
			sName, sEmail sql.NullString
			rName, rEmail sql.NullString
		)
		if err := rows.Scan(&ob.ID, &typ, &start, &end, &period,
			&ob.Sender.ID, &sName, &sEmail,
			&ob.Recipient.ID, &rName, &rEmail); err != nil {
			return nil, mapSQLError("scan obligation", err)
		}
		ob.Class = strings.ToLower(typ.String)
		if ob.Class == "" {
			ob.Class = schedule.DefaultClass
		}
		if ob.StartDate, err = optDate(start); err != nil {
			s.log.Warn("ignoring malformed start date", "obligation", ob.ID, "err", err)
			ob.StartDate = fn.None[time.Time]()
		}
		if ob.EndDate, err = optDate(end); err != nil {
			s.log.Warn("skipping contract with malformed end date", "obligation", ob.ID, "err", err)
			continue
		}
		if period.Valid {
			ob.PeriodMonths = fn.Some(int(period.Int64))
		}
		ob.Sender.Name, ob.Sender.Email = optString(sName), optString(sEmail)
		ob.Recipient.Name, ob.Recipient.Email = optString(rName), optString(rEmail)
		out = append(out, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("list obligations", err)
	}
	return out, nil
}

// Advance moves the contract's end date from prev to next. It is a
// compare-and-set: when the stored end date differs from prev nothing is
// written and schedule.ErrStale is returned.
func (s *Store) Advance(ctx context.Context, id int64, prev fn.Option[time.Time], next time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError("advance", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT end_date FROM contracts WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("contract %d: %w", id, schedule.ErrStale)
	}
	if err != nil {
		return mapSQLError("advance", err)
	}
	cur, err := optDate(raw)
	if err != nil {
		return fmt.Errorf("contract %d: %w", id, err)
	}
	if !sameDate(cur, prev) {
		return fmt.Errorf("contract %d: %w", id, schedule.ErrStale)
	}

	// The raw value guards against a writer outside this process.
	res, err := tx.ExecContext(ctx, `
		UPDATE contracts
		SET end_date = ?, updated_at = ?
		WHERE id = ? AND end_date IS ?`,
		formatDate(next), formatDate(s.now()), id, raw)
	if err != nil {
		return mapSQLError("advance", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapSQLError("advance", err)
	} else if n == 0 {
		return fmt.Errorf("contract %d: %w", id, schedule.ErrStale)
	}
	return mapSQLError("advance", tx.Commit())
}

func sameDate(a, b fn.Option[time.Time]) bool {
	if a.IsSome() != b.IsSome() {
		return false
	}
	return a.UnwrapOr(time.Time{}).Equal(b.UnwrapOr(time.Time{}))
}

func formatDate(t time.Time) string {
	return t.In(time.Local).Format(DateLayout)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func optDate(v sql.NullString) (fn.Option[time.Time], error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return fn.None[time.Time](), nil
	}
	t, err := parseDate(v.String)
	if err != nil {
		return fn.None[time.Time](), err
	}
	return fn.Some(t), nil
}

func optString(v sql.NullString) fn.Option[string] {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return fn.None[string]()
	}
	return fn.Some(v.String)
}

func nullString(o fn.Option[string]) sql.NullString {
	v := o.UnwrapOr("")
	return sql.NullString{String: v, Valid: o.IsSome()}
}

func nullDate(o fn.Option[time.Time]) sql.NullString {
	if o.IsNone() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(o.UnwrapOr(time.Time{})), Valid: true}
}

func nullInt(o fn.Option[int]) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(o.UnwrapOr(0)), Valid: o.IsSome()}
}

func nullInt64(o fn.Option[int64]) sql.NullInt64 {
	return sql.NullInt64{Int64: o.UnwrapOr(0), Valid: o.IsSome()}
}

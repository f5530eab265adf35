package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"labkeeper/internal/inventory"
	logx "labkeeper/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures what differs between the SQL drivers. Both use "?" placeholders.
type dialect struct {
	name        string
	migrations  string
	isDuplicate func(error) bool
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	loc *time.Location
	log logx.Logger
}

const itemColumns = "id, ownerName, emailId, ssoId, objectStored, uniqueId, location, timePeriod, dateAdded, expiryDate"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, loc: cfg.Location, log: log.With(logx.String("store", d.name))}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return s, nil
}

// migrate runs each statement of the dialect's schema file. MySQL rejects
// multi-statement Exec by default, so statements are split here.
func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ListActive(ctx context.Context) ([]inventory.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM inventory ORDER BY dateAdded, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []inventory.Record{}
	for rows.Next() {
		r, err := scanRecord(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListArchived(ctx context.Context) ([]inventory.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+`, pickupDate FROM archived ORDER BY pickupDate DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []inventory.Record{}
	for rows.Next() {
		r, err := scanRecord(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Get(ctx context.Context, id string) (inventory.Record, error) {
	return getRecord(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, id string) (inventory.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inventory WHERE id = ?`, id)
	r, err := scanRecord(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) Add(ctx context.Context, r inventory.Record) (inventory.Item, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	it, err := r.Validate(s.loc)
	if err != nil {
		return inventory.Item{}, err
	}
	if it.ExpiryMismatch(s.loc) {
		s.log.Warn("expiryDate disagrees with dateAdded + timePeriod; recomputing",
			logx.String("item", it.ID), logx.String("expiryDate", r.ExpiryDate))
	}
	it.ExpiryDate = it.ComputeExpiry()
	if err := s.insert(ctx, s.db, it); err != nil {
		return inventory.Item{}, err
	}
	return it, nil
}

func (s *sqlStore) insert(ctx context.Context, ex execer, it inventory.Item) error {
	r := it.Record()
	_, err := ex.ExecContext(ctx,
		`INSERT INTO inventory(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerName, r.EmailID, r.SSOID, r.ObjectStored, nullStr(r.UniqueID),
		r.Location, int(r.TimePeriod), r.DateAdded, r.ExpiryDate,
	)
	return s.mapErr(err)
}

// Update applies p to the stored row. The column list is fixed; only values vary.
func (s *sqlStore) Update(ctx context.Context, id string, p inventory.Patch) (inventory.Item, error) {
	if p.IsEmpty() {
		return inventory.Item{}, inventory.ErrEmptyPatch
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return inventory.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getRecord(ctx, tx, id)
	if err != nil {
		return inventory.Item{}, err
	}
	it, err := p.Apply(cur, s.loc)
	if err != nil {
		return inventory.Item{}, err
	}
	if it.ExpiryDate.IsZero() {
		it.ExpiryDate = it.ComputeExpiry()
	}

	r := it.Record()
	_, err = tx.ExecContext(ctx,
		`UPDATE inventory SET ownerName = ?, emailId = ?, ssoId = ?, objectStored = ?, uniqueId = ?,
		 location = ?, timePeriod = ?, dateAdded = ?, expiryDate = ? WHERE id = ?`,
		r.OwnerName, r.EmailID, r.SSOID, r.ObjectStored, nullStr(r.UniqueID),
		r.Location, int(r.TimePeriod), r.DateAdded, r.ExpiryDate, id,
	)
	if err != nil {
		return inventory.Item{}, s.mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return inventory.Item{}, err
	}
	return it, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Archive(ctx context.Context, id string, pickup time.Time) error {
	if pickup.IsZero() {
		pickup = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO archived(`+itemColumns+`, pickupDate) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OwnerName, r.EmailID, r.SSOID, r.ObjectStored, nullStr(r.UniqueID),
		r.Location, int(r.TimePeriod), r.DateAdded, r.ExpiryDate, inventory.FormatTimestamp(pickup),
	)
	if err != nil {
		return s.mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Import inserts every valid record. Invalid and duplicate records are
// reported in the result and do not stop the import.
func (s *sqlStore) Import(ctx context.Context, records []inventory.Record) (ImportResult, error) {
	res := ImportResult{Errors: []string{}}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			r.ID = uuid.NewString()
		}
		it, err := r.Validate(s.loc)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if it.ExpiryDate.IsZero() {
			it.ExpiryDate = it.ComputeExpiry()
		}
		if err := s.insert(ctx, tx, it); err != nil {
			if errors.Is(err, ErrDuplicate) {
				res.Errors = append(res.Errors, "Duplicate ID: "+it.Tag())
				continue
			}
			return ImportResult{}, err
		}
		res.Count++
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

func (s *sqlStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory`).Scan(&c.Active); err != nil {
		return Counts{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived`).Scan(&c.Archived); err != nil {
		return Counts{}, err
	}
	return c, nil
}

func (s *sqlStore) mapErr(err error) error {
	if err != nil && s.d.isDuplicate != nil && s.d.isDuplicate(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func scanRecord(sc rowScanner, withPickup bool) (inventory.Record, error) {
	var (
		r       inventory.Record
		unique  sql.NullString
		period  int64
		expires sql.NullString
		pickup  sql.NullString
	)
	dest := []any{&r.ID, &r.OwnerName, &r.EmailID, &r.SSOID, &r.ObjectStored, &unique,
		&r.Location, &period, &r.DateAdded, &expires}
	if withPickup {
		dest = append(dest, &pickup)
	}
	if err := sc.Scan(dest...); err != nil {
		return inventory.Record{}, err
	}
	r.UniqueID = unique.String
	r.TimePeriod = inventory.FlexInt(period)
	r.ExpiryDate = expires.String
	r.PickupDate = pickup.String
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

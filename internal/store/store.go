// Package store is the Postgres persistence layer: executions and their
// event log, the append-only preference version log, watchlist items and
// feedback records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ike1112/travel-agent/config"
	"github.com/ike1112/travel-agent/internal/agent"
	"github.com/ike1112/travel-agent/internal/feedback"
	"github.com/ike1112/travel-agent/internal/prefs"
	"github.com/ike1112/travel-agent/internal/watchlist"
	"github.com/ike1112/travel-agent/internal/workflow"
)

// uniqueViolation is the Postgres error code raised on duplicate keys.
const uniqueViolation = "23505"

// versionAppendRetries bounds the optimistic retry loop on concurrent
// profile appends from the same requester.
const versionAppendRetries = 3

type Store struct {
	DB *sql.DB
}

var (
	_ workflow.Store      = (*Store)(nil)
	_ prefs.Store         = (*Store)(nil)
	_ watchlist.ItemStore = (*Store)(nil)
	_ feedback.Store      = (*Store)(nil)
)

// New opens a Postgres connection from config and verifies it.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// CreateExecution inserts a new execution. A fingerprint collision is an
// error: the ledger is the admission gate and the unique key only
// backstops it.
func (s *Store) CreateExecution(ctx context.Context, ex *workflow.Execution) error {
	request, err := json.Marshal(ex.Request)
	if err != nil {
		return err
	}
	resolved, err := json.Marshal(ex.Prefs)
	if err != nil {
		return err
	}
	branches, err := json.Marshal(ex.Branches)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO executions (fingerprint, requester_id, request, prefs, state, branches, narrative, delivery_status, created_at, deadline, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, ex.Fingerprint, ex.RequesterID, request, resolved, ex.State, branches, ex.Narrative, ex.DeliveryStatus, ex.CreatedAt, ex.Deadline, ex.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("execution %s already exists", ex.Fingerprint)
		}
		return err
	}
	return nil
}

// UpdateExecution writes the mutable columns of an execution.
func (s *Store) UpdateExecution(ctx context.Context, ex *workflow.Execution) error {
	branches, err := json.Marshal(ex.Branches)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE executions
SET state=$2, branches=$3, narrative=$4, delivery_status=$5, updated_at=$6
WHERE fingerprint=$1
`, ex.Fingerprint, ex.State, branches, ex.Narrative, ex.DeliveryStatus, ex.UpdatedAt)
	return err
}

// Execution fetches one execution by fingerprint.
func (s *Store) Execution(ctx context.Context, fingerprint string) (workflow.Execution, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT fingerprint, requester_id, request, prefs, state, branches, narrative, delivery_status, created_at, deadline, updated_at
FROM executions
WHERE fingerprint=$1
`, fingerprint)

	var ex workflow.Execution
	var request, resolved, branches []byte
	err := row.Scan(&ex.Fingerprint, &ex.RequesterID, &request, &resolved, &ex.State, &branches, &ex.Narrative, &ex.DeliveryStatus, &ex.CreatedAt, &ex.Deadline, &ex.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Execution{}, false, nil
	}
	if err != nil {
		return workflow.Execution{}, false, err
	}
	if err := json.Unmarshal(request, &ex.Request); err != nil {
		return workflow.Execution{}, false, err
	}
	if err := json.Unmarshal(resolved, &ex.Prefs); err != nil {
		return workflow.Execution{}, false, err
	}
	ex.Branches = make(map[string]agent.Result)
	if len(branches) > 0 {
		if err := json.Unmarshal(branches, &ex.Branches); err != nil {
			return workflow.Execution{}, false, err
		}
	}
	return ex, true, nil
}

// AppendEvent records one state transition. Events are insert-only.
func (s *Store) AppendEvent(ctx context.Context, ev workflow.Event) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO execution_events (fingerprint, from_state, to_state, detail, created_at)
VALUES ($1,$2,$3,$4,$5)
`, ev.Fingerprint, ev.From, ev.To, ev.Detail, ev.At)
	return err
}

// Events returns the transition log for an execution, oldest first.
func (s *Store) Events(ctx context.Context, fingerprint string) ([]workflow.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT fingerprint, from_state, to_state, detail, created_at
FROM execution_events
WHERE fingerprint=$1
ORDER BY id
`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []workflow.Event
	for rows.Next() {
		var ev workflow.Event
		if err := rows.Scan(&ev.Fingerprint, &ev.From, &ev.To, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestProfile returns the highest stored version for a requester.
func (s *Store) LatestProfile(ctx context.Context, requesterID string) (prefs.Profile, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT requester_id, version, fields, origin, created_at
FROM preference_versions
WHERE requester_id=$1
ORDER BY version DESC
LIMIT 1
`, requesterID)
	return scanProfile(row)
}

// ProfileVersion returns one specific stored version.
func (s *Store) ProfileVersion(ctx context.Context, requesterID string, version int) (prefs.Profile, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT requester_id, version, fields, origin, created_at
FROM preference_versions
WHERE requester_id=$1 AND version=$2
`, requesterID, version)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (prefs.Profile, bool, error) {
	var p prefs.Profile
	var fields []byte
	err := row.Scan(&p.RequesterID, &p.Version, &fields, &p.Origin, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return prefs.Profile{}, false, nil
	}
	if err != nil {
		return prefs.Profile{}, false, err
	}
	if err := json.Unmarshal(fields, &p.Fields); err != nil {
		return prefs.Profile{}, false, err
	}
	return p, true, nil
}

// AppendProfileVersion writes the next version for a requester. The
// (requester_id, version) primary key makes the append atomic: when two
// writers race, the loser hits the unique constraint and retries on top of
// the new head.
func (s *Store) AppendProfileVersion(ctx context.Context, requesterID string, fields prefs.ProfileFields, origin string) (prefs.Profile, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return prefs.Profile{}, err
	}

	for attempt := 0; attempt < versionAppendRetries; attempt++ {
		row := s.DB.QueryRowContext(ctx, `
INSERT INTO preference_versions (requester_id, version, fields, origin, created_at)
SELECT $1, COALESCE(MAX(version),0)+1, $2, $3, NOW()
FROM preference_versions WHERE requester_id=$1
RETURNING version, created_at
`, requesterID, payload, origin)

		p := prefs.Profile{RequesterID: requesterID, Fields: fields, Origin: origin}
		err := row.Scan(&p.Version, &p.CreatedAt)
		if err == nil {
			return p, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			continue
		}
		return prefs.Profile{}, err
	}
	return prefs.Profile{}, fmt.Errorf("appending profile version for %s: too many conflicts", requesterID)
}

// CountProfileVersions counts stored versions by origin.
func (s *Store) CountProfileVersions(ctx context.Context, requesterID string, origin string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM preference_versions WHERE requester_id=$1 AND origin=$2
`, requesterID, origin).Scan(&n)
	return n, err
}

// CreateItem inserts a watchlist item, assigning an id when absent.
func (s *Store) CreateItem(ctx context.Context, item watchlist.Item) (watchlist.Item, error) {
	if err := item.Validate(); err != nil {
		return watchlist.Item{}, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = watchlist.StatusWatching
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO watchlist_items (id, requester_id, origin_city, destination, period_start, period_end, threshold_cad, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at
`, item.ID, item.RequesterID, item.OriginCity, item.Destination, item.Period.Departure, item.Period.Return, item.ThresholdCAD, item.Status)
	if err := row.Scan(&item.CreatedAt); err != nil {
		return watchlist.Item{}, err
	}
	return item, nil
}

// Item fetches one watchlist item.
func (s *Store) Item(ctx context.Context, id string) (watchlist.Item, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, requester_id, origin_city, destination, period_start, period_end, threshold_cad,
       last_checked_price, last_checked_date, status, alert_count, created_at
FROM watchlist_items
WHERE id=$1
`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return watchlist.Item{}, false, nil
	}
	if err != nil {
		return watchlist.Item{}, false, err
	}
	return item, true, nil
}

// ListWatching returns every item currently being swept.
func (s *Store) ListWatching(ctx context.Context) ([]watchlist.Item, error) {
	return s.listItems(ctx, `
SELECT id, requester_id, origin_city, destination, period_start, period_end, threshold_cad,
       last_checked_price, last_checked_date, status, alert_count, created_at
FROM watchlist_items
WHERE status=$1
ORDER BY created_at
`, watchlist.StatusWatching)
}

// ListItemsByRequester returns a requester's items via the secondary index.
func (s *Store) ListItemsByRequester(ctx context.Context, requesterID string) ([]watchlist.Item, error) {
	return s.listItems(ctx, `
SELECT id, requester_id, origin_city, destination, period_start, period_end, threshold_cad,
       last_checked_price, last_checked_date, status, alert_count, created_at
FROM watchlist_items
WHERE requester_id=$1
ORDER BY created_at
`, requesterID)
}

func (s *Store) listItems(ctx context.Context, query string, arg interface{}) ([]watchlist.Item, error) {
	rows, err := s.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []watchlist.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (watchlist.Item, error) {
	var item watchlist.Item
	var lastPrice sql.NullFloat64
	var lastDate sql.NullString
	err := row.Scan(&item.ID, &item.RequesterID, &item.OriginCity, &item.Destination,
		&item.Period.Departure, &item.Period.Return, &item.ThresholdCAD,
		&lastPrice, &lastDate, &item.Status, &item.AlertCount, &item.CreatedAt)
	if err != nil {
		return watchlist.Item{}, err
	}
	if lastPrice.Valid {
		item.LastCheckedPrice = lastPrice.Float64
	}
	if lastDate.Valid {
		item.LastCheckedDate = lastDate.String
	}
	return item, nil
}

// UpdateItem writes the monitor-owned columns.
func (s *Store) UpdateItem(ctx context.Context, item watchlist.Item) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE watchlist_items
SET last_checked_price=$2, last_checked_date=$3, status=$4, alert_count=$5
WHERE id=$1
`, item.ID, item.LastCheckedPrice, nullableString(item.LastCheckedDate), item.Status, item.AlertCount)
	return err
}

// DeleteItem removes a watchlist item owned by the requester.
func (s *Store) DeleteItem(ctx context.Context, id, requesterID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM watchlist_items WHERE id=$1 AND requester_id=$2
`, id, requesterID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FeedbackByFingerprint returns the stored feedback for an execution.
func (s *Store) FeedbackByFingerprint(ctx context.Context, fingerprint string) (feedback.Record, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT fingerprint, requester_id, ratings, base_version, applied_version, created_at
FROM feedback
WHERE fingerprint=$1
`, fingerprint)

	var rec feedback.Record
	var ratings []byte
	err := row.Scan(&rec.Fingerprint, &rec.RequesterID, &ratings, &rec.BaseVersion, &rec.AppliedVersion, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return feedback.Record{}, false, nil
	}
	if err != nil {
		return feedback.Record{}, false, err
	}
	if err := json.Unmarshal(ratings, &rec.Ratings); err != nil {
		return feedback.Record{}, false, err
	}
	return rec, true, nil
}

// ClaimFeedback inserts the record only when the fingerprint is still
// unclaimed. The primary key arbitrates concurrent claims: exactly one
// insert lands, the losers see zero rows affected.
func (s *Store) ClaimFeedback(ctx context.Context, rec feedback.Record) (bool, error) {
	ratings, err := json.Marshal(rec.Ratings)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO feedback (fingerprint, requester_id, ratings, base_version, applied_version, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (fingerprint) DO NOTHING
`, rec.Fingerprint, rec.RequesterID, ratings, rec.BaseVersion, rec.AppliedVersion, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveFeedback upserts the single feedback record per fingerprint.
func (s *Store) SaveFeedback(ctx context.Context, rec feedback.Record) error {
	ratings, err := json.Marshal(rec.Ratings)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO feedback (fingerprint, requester_id, ratings, base_version, applied_version, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (fingerprint) DO UPDATE
SET ratings=EXCLUDED.ratings, base_version=EXCLUDED.base_version, applied_version=EXCLUDED.applied_version, created_at=EXCLUDED.created_at
`, rec.Fingerprint, rec.RequesterID, ratings, rec.BaseVersion, rec.AppliedVersion, rec.CreatedAt)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

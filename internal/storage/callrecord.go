package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcore/dialcore/internal/session"
)

// CallRecordListFilter narrows a call history listing.
type CallRecordListFilter struct {
	Direction string
	Search    string
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// CallRecordRepository manages persisted call history.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *session.CallRecord) error
	GetByID(ctx context.Context, id int64) (*session.CallRecord, error)
	List(ctx context.Context, filter CallRecordListFilter) ([]session.CallRecord, int, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
	Delete(ctx context.Context, id int64) error
}

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *session.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, remote_uri, display_name, direction,
		 status, cause, start_time, end_time, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.RemoteURI, rec.DisplayName, string(rec.Direction),
		string(rec.Status), rec.Cause, rec.StartTime.UTC(), rec.EndTime.UTC(),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

const callRecordColumns = `id, call_id, remote_uri, display_name, direction,
	 status, cause, start_time, end_time, duration_ms`

// GetByID returns a call record by ID, or nil if none exists.
func (r *callRecordRepo) GetByID(ctx context.Context, id int64) (*session.CallRecord, error) {
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List returns call records matching the filter, newest first, along with
// the total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]session.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND (remote_uri LIKE ? OR display_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []session.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

// CountByDirection returns record counts grouped by call direction.
func (r *callRecordRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_records GROUP BY direction`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var direction string
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, err
		}
		counts[direction] = count
	}
	return counts, rows.Err()
}

// Delete removes a call record by ID.
func (r *callRecordRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM call_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting call record: %w", err)
	}
	return nil
}

func scanCallRecord(row rowScanner) (*session.CallRecord, error) {
	var rec session.CallRecord
	var direction, status string
	var durationMS int64
	var start, end time.Time

	err := row.Scan(&rec.ID, &rec.CallID, &rec.RemoteURI, &rec.DisplayName,
		&direction, &status, &rec.Cause, &start, &end, &durationMS)
	if err != nil {
		return nil, err
	}

	rec.Direction = session.Direction(direction)
	rec.Status = session.CallStatus(status)
	rec.StartTime = start
	rec.EndTime = end
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

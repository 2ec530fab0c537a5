// Package event holds the gateway's normalized event model, the retained
// event log, and the fan-out broadcaster feeding live subscribers.
package event

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Logger defines the logging interface used by the event package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// pruneBatchSize bounds each retention delete so sweeps never hold the
// write lock long enough to stall appends.
const pruneBatchSize = 500

// StoreConfig holds event log tuning settings.
type StoreConfig struct {
	// GapThreshold is the minimum silence between consecutive events that
	// counts as a coverage gap in query metadata. Default: 5m.
	GapThreshold time.Duration
}

// Store is the SQLite-backed retained event log.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    StoreConfig
	logger Logger
}

// NewStore creates an event store over the given database connection.
func NewStore(db *sql.DB, cfg StoreConfig) *Store {
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = 5 * time.Minute
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Append inserts the event if its id is new.
//
// The insert is idempotent: a duplicate event id is ignored, so re-delivered
// webhooks never create duplicate rows.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - ev: Event to append; IngestedAt defaults to now if zero
//
// Returns:
//   - bool: True if a row was inserted, false if the id already existed
//   - error: ErrInvalidEvent on a malformed event, otherwise the database error
func (s *Store) Append(ctx context.Context, ev *NormalizedEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	platform := ""
	extras := sql.NullString{}
	if ev.Extras != nil {
		platform = ev.Extras.Platform
		raw, err := json.Marshal(ev.Extras)
		if err != nil {
			return false, fmt.Errorf("encoding extras: %w", err)
		}
		extras = sql.NullString{String: string(raw), Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events
		     (event_id, device_id, capability, attribute, value, value_type,
		      state_changed, platform, extras, observed_at, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.DeviceID, ev.Capability, ev.Attribute, ev.Value, ev.ValueType,
		boolToInt(ev.StateChanged), platform, extras,
		ev.ObservedAt.UTC().Format(time.RFC3339), ev.IngestedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("appending event: %w", err)
	}

	inserted, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if inserted == 0 {
		s.logger.Debug("duplicate event ignored", "event_id", ev.EventID)
		return false, nil
	}
	return true, nil
}

// Filter selects events for a query. Zero values mean "no constraint".
type Filter struct {
	DeviceID   string
	Capability string
	Since      time.Time

	// Limit caps the page size. Default: 100.
	Limit int

	// Cursor resumes a previous page; pass Page.NextCursor.
	Cursor string
}

// Gap is a silence between consecutive events longer than the configured
// threshold.
type Gap struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
}

// Page is one page of query results plus coverage metadata for the whole
// filtered window.
type Page struct {
	Events     []NormalizedEvent `json:"events"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor,omitempty"`

	// Total counts every event matching the filter, across all pages.
	Total int `json:"total"`

	// Gaps is always present. An evenly covered window yields an empty
	// slice, never null.
	Gaps         []Gap `json:"gaps"`
	LargestGapMs int64 `json:"largest_gap_ms"`
}

// Query returns events matching the filter ordered by observation time
// ascending, with window metadata computed over the full filtered set.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - filter: Field constraints, page size, and resume cursor
//
// Returns:
//   - *Page: Matching events plus total, gaps, and largest gap
//   - error: If the cursor is malformed or a query fails
func (s *Store) Query(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	where, args := buildFilter(filter)

	page := &Page{
		Events: []NormalizedEvent{},
		Gaps:   []Gap{},
	}

	if err := s.loadWindowMetadata(ctx, where, args, page); err != nil {
		return nil, err
	}

	pageWhere := where
	pageArgs := args
	if filter.Cursor != "" {
		observedAt, eventID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		pageWhere = append(pageWhere, "(observed_at, event_id) > (?, ?)")
		pageArgs = append(pageArgs, observedAt, eventID)
	}

	query := `SELECT event_id, device_id, capability, attribute, value, value_type,
	                 state_changed, extras, observed_at, ingested_at
	          FROM events`
	if len(pageWhere) > 0 {
		query += " WHERE " + strings.Join(pageWhere, " AND ")
	}
	query += " ORDER BY observed_at, event_id LIMIT ?"
	pageArgs = append(pageArgs, filter.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		page.Events = append(page.Events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if len(page.Events) > filter.Limit {
		page.Events = page.Events[:filter.Limit]
		page.HasMore = true
		last := page.Events[len(page.Events)-1]
		page.NextCursor = encodeCursor(last.ObservedAt, last.EventID)
	}

	return page, nil
}

// PruneOlderThan deletes events observed before the retention horizon.
//
// Deletion runs in small batches so concurrent appends and queries are not
// blocked behind one long write transaction.
//
// Returns the number of rows deleted.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		result, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE event_id IN (
			     SELECT event_id FROM events WHERE observed_at < ? LIMIT ?
			 )`, cutoff, pruneBatchSize)
		if err != nil {
			return total, fmt.Errorf("pruning events: %w", err)
		}

		deleted, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
		total += deleted
		if deleted < pruneBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("pruned retained events", "deleted", total)
	}
	return total, nil
}

// loadWindowMetadata fills total, gaps, and largest gap for the full
// filtered window, independent of pagination.
func (s *Store) loadWindowMetadata(ctx context.Context, where []string, args []any, page *Page) error {
	query := "SELECT observed_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY observed_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying event window: %w", err)
	}
	defer rows.Close()

	var prev time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scanning observation time: %w", err)
		}
		observedAt, _ := time.Parse(time.RFC3339, raw) //nolint:errcheck // format is controlled

		if page.Total > 0 {
			if silence := observedAt.Sub(prev); silence > s.cfg.GapThreshold {
				gap := Gap{Start: prev, End: observedAt, DurationMs: silence.Milliseconds()}
				page.Gaps = append(page.Gaps, gap)
				if gap.DurationMs > page.LargestGapMs {
					page.LargestGapMs = gap.DurationMs
				}
			}
		}
		prev = observedAt
		page.Total++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating event window: %w", err)
	}
	return nil
}

// buildFilter converts a Filter into WHERE clauses and arguments.
func buildFilter(filter Filter) ([]string, []any) {
	where := []string{}
	args := []any{}

	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Capability != "" {
		where = append(where, "capability = ?")
		args = append(args, filter.Capability)
	}
	if !filter.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	return where, args
}

// scanEvent reads one event row.
func scanEvent(rows *sql.Rows) (*NormalizedEvent, error) {
	var (
		ev                     NormalizedEvent
		stateChanged           int
		extras                 sql.NullString
		observedAt, ingestedAt string
	)

	err := rows.Scan(&ev.EventID, &ev.DeviceID, &ev.Capability, &ev.Attribute,
		&ev.Value, &ev.ValueType, &stateChanged, &extras, &observedAt, &ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	ev.StateChanged = stateChanged != 0
	if extras.Valid && extras.String != "" {
		var decoded Extras
		if err := json.Unmarshal([]byte(extras.String), &decoded); err != nil {
			return nil, fmt.Errorf("decoding extras: %w", err)
		}
		ev.Extras = &decoded
	}
	ev.ObservedAt, _ = time.Parse(time.RFC3339, observedAt) //nolint:errcheck // format is controlled
	ev.IngestedAt, _ = time.Parse(time.RFC3339, ingestedAt) //nolint:errcheck // format is controlled

	return &ev, nil
}

// encodeCursor packs the last row's sort key into an opaque token.
func encodeCursor(observedAt time.Time, eventID string) string {
	raw := observedAt.UTC().Format(time.RFC3339) + "|" + eventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor unpacks a token produced by encodeCursor.
func decodeCursor(cursor string) (observedAt, eventID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

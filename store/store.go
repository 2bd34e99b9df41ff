// Package store keeps a SQLite history of sessions and their reception
// reports.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/notnil/canseq"
	"github.com/notnil/canseq/session"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("store: not found")

//go:embed migrations/*.sql
var migrations embed.FS

// Store records runs and snapshots. It implements session.ReportSink and
// session.RunRecorder.
type Store struct {
	db *sql.DB
}

var (
	_ session.ReportSink  = (*Store)(nil)
	_ session.RunRecorder = (*Store)(nil)
)

// Open opens or creates the database at path and migrates it to the latest
// schema version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	// Closing m would close db, so it is left to the collector.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var (
		version int64
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	if dirty {
		return uint(version), fmt.Errorf("store: schema version %d is dirty", version)
	}
	return uint(version), nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun records a session. Recording the same run twice replaces it.
func (s *Store) StartRun(ctx context.Context, info session.RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_ns, interface, mode, interval_ns, tx_id, rx_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.RunID.String(), info.Started.UnixNano(), info.Interface, string(info.Mode),
		int64(info.Interval), info.TxID, info.RxID)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// Emit appends a snapshot.
func (s *Store) Emit(ctx context.Context, snap session.Snapshot) error {
	r := snap.Report
	missing, err := cbor.Marshal(r.Missing)
	if err != nil {
		return fmt.Errorf("store: encode missing: %w", err)
	}
	var sender []byte
	if snap.Sender != nil {
		if sender, err = cbor.Marshal(snap.Sender); err != nil {
			return fmt.Errorf("store: encode sender: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			run_id, mode, taken_ns, final, total, min_counter, max_counter, expected_next,
			missing_count, missing_truncated, duplicates, late, gap_events, filtered,
			malformed, transport_errors, interarrival_mean_ns, interarrival_stddev_ns,
			interarrival_max_ns, missing, sender
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID.String(), string(snap.Mode), snap.Time.UnixNano(), snap.Final, r.Total, r.Min, r.Max, r.ExpectedNext,
		int64(r.MissingCount), r.MissingTruncated, int64(r.Duplicates), int64(r.Late), int64(r.GapEvents),
		int64(r.Filtered), int64(r.Malformed), int64(r.TransportErrors),
		int64(r.Interarrival.Mean), int64(r.Interarrival.StdDev), int64(r.Interarrival.Max),
		missing, sender)
	if err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}
	return nil
}

// Runs lists recorded runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]session.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_ns, interface, mode, interval_ns, tx_id, rx_id
		FROM runs ORDER BY started_ns, run_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []session.RunInfo
	for rows.Next() {
		var (
			id, iface, mode   string
			started, interval int64
			txID, rxID        int64
		)
		if err := rows.Scan(&id, &started, &iface, &mode, &interval, &txID, &rxID); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("store: run id %q: %w", id, err)
		}
		out = append(out, session.RunInfo{
			RunID:     runID,
			Started:   time.Unix(0, started),
			Interface: iface,
			Mode:      session.Mode(mode),
			Interval:  time.Duration(interval),
			TxID:      uint32(txID),
			RxID:      uint32(rxID),
		})
	}
	return out, rows.Err()
}

const snapshotColumns = `
	run_id, mode, taken_ns, final, total, min_counter, max_counter, expected_next,
	missing_count, missing_truncated, duplicates, late, gap_events, filtered,
	malformed, transport_errors, interarrival_mean_ns, interarrival_stddev_ns,
	interarrival_max_ns, missing, sender`

// Snapshots returns every snapshot of a run in emission order.
func (s *Store) Snapshots(ctx context.Context, runID uuid.UUID) ([]session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE run_id = ? ORDER BY snapshot_id`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("store: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []session.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestFinal returns the most recent final snapshot of a run, or
// ErrNotFound.
func (s *Store) LatestFinal(ctx context.Context, runID uuid.UUID) (session.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE run_id = ? AND final = 1
		ORDER BY snapshot_id DESC LIMIT 1`,
		runID.String())
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, fmt.Errorf("%w: final snapshot for run %s", ErrNotFound, runID)
	}
	return snap, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (session.Snapshot, error) {
	var (
		id, mode                             string
		taken                                int64
		final, truncated                     bool
		total                                int
		minC, maxC, expected                 int64
		missingCount, dups, late, gaps       int64
		filtered, malformed, transportErrors int64
		mean, stddev, longest                int64
		missingBlob, senderBlob              []byte
	)
	err := sc.Scan(&id, &mode, &taken, &final, &total, &minC, &maxC, &expected,
		&missingCount, &truncated, &dups, &late, &gaps, &filtered,
		&malformed, &transportErrors, &mean, &stddev, &longest,
		&missingBlob, &senderBlob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Snapshot{}, err
		}
		return session.Snapshot{}, fmt.Errorf("store: scan snapshot: %w", err)
	}
	runID, err := uuid.Parse(id)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("store: run id %q: %w", id, err)
	}
	snap := session.Snapshot{
		RunID: runID,
		Time:  time.Unix(0, taken),
		Final: final,
		Mode:  session.Mode(mode),
		Report: canseq.Report{
			Empty:            total == 0,
			Total:            total,
			Min:              uint32(minC),
			Max:              uint32(maxC),
			ExpectedNext:     uint32(expected),
			MissingCount:     uint64(missingCount),
			MissingTruncated: truncated,
			Duplicates:       uint64(dups),
			Late:             uint64(late),
			GapEvents:        uint64(gaps),
			Filtered:         uint64(filtered),
			Malformed:        uint64(malformed),
			TransportErrors:  uint64(transportErrors),
			Interarrival: canseq.Interarrival{
				Mean:   time.Duration(mean),
				StdDev: time.Duration(stddev),
				Max:    time.Duration(longest),
			},
		},
	}
	if len(missingBlob) > 0 {
		if err := cbor.Unmarshal(missingBlob, &snap.Report.Missing); err != nil {
			return session.Snapshot{}, fmt.Errorf("store: decode missing: %w", err)
		}
	}
	if len(senderBlob) > 0 {
		var st canseq.SenderStats
		if err := cbor.Unmarshal(senderBlob, &st); err != nil {
			return session.Snapshot{}, fmt.Errorf("store: decode sender: %w", err)
		}
		snap.Sender = &st
	}
	return snap, nil
}

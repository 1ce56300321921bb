package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mmlab/vialstore/pkg/config"
)

// Store provides durable storage for vial facts, slot assignments and
// status facts. Every multi-row call is atomic.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// InTx runs fn with a Store whose calls share one transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	// Vials and status facts.
	UpsertVial(ctx context.Context, vial *Vial) (bool, error)
	GetOrCreateStatus(ctx context.Context, barcode, source string) (bool, error)
	SetStatus(
		ctx context.Context, barcodes []string, status Status,
	) (*TransitionResult, error)

	// Slot assignments.
	MaxRackID(ctx context.Context) (int, error)
	UnassignedReadyVials(ctx context.Context, limit int) ([]Vial, error)
	CountUnassignedReady(ctx context.Context) (int64, error)
	InsertAssignments(ctx context.Context, assignments []SlotAssignment) error

	// Joined view and listings.
	JoinedView(ctx context.Context, filter ViewFilter) ([]Row, error)
	GetRow(ctx context.Context, barcode string) (*Row, error)
	Racks(ctx context.Context) ([]RackSummary, error)
	Substances(ctx context.Context) ([]string, error)
	StatusCounts(ctx context.Context) (map[Status]int64, error)
	Anomalies(ctx context.Context) ([]Anomaly, error)

	// File ledger.
	GetIngestedFile(ctx context.Context, id string) (*IngestedFile, error)
	RecordIngestedFile(ctx context.Context, file *IngestedFile) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// maxBindVars bounds the size of IN lists so large barcode batches stay
// under the driver's bind variable limit.
const maxBindVars = 500

type store struct {
	log  logrus.FieldLogger
	cfg  *config.DatabaseConfig
	db   *gorm.DB
	inTx bool
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "inventory"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening inventory database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection serializes writers and keeps :memory: databases
		// shared across calls.
		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Vial{},
		&SlotAssignment{},
		&StatusFact{},
		&IngestedFile{},
	); err != nil {
		return fmt.Errorf("running inventory migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Inventory database connected")

	return nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}

	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil || s.inTx {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// InTx runs fn inside a single transaction. Nested calls reuse the outer
// transaction.
func (s *store) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx, inTx: true})
	})
}

// atomic runs fn in a transaction, or directly when one is already open.
func (s *store) atomic(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.inTx {
		return fn(s.db.WithContext(ctx))
	}

	return s.db.WithContext(ctx).Transaction(fn)
}

// UpsertVial inserts the vial if its barcode is unseen and reports whether
// an insert happened. A known barcode is left untouched.
func (s *store) UpsertVial(ctx context.Context, vial *Vial) (bool, error) {
	if vial.Barcode == "" {
		return false, fmt.Errorf("upserting vial: empty barcode")
	}

	if vial.Timestamp == "" {
		return false, fmt.Errorf("upserting vial %s: empty timestamp", vial.Barcode)
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(vial)
	if result.Error != nil {
		return false, fmt.Errorf("upserting vial %s: %w", vial.Barcode, result.Error)
	}

	return result.RowsAffected == 1, nil
}

// GetOrCreateStatus creates a Ready status fact for a known vial if it has
// none and reports whether one was created.
func (s *store) GetOrCreateStatus(
	ctx context.Context, barcode, source string,
) (bool, error) {
	var created bool

	err := s.atomic(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Vial{}).
			Where("barcode = ?", barcode).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking vial %s: %w", barcode, err)
		}

		if count == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownBarcode, barcode)
		}

		fact := &StatusFact{
			Barcode: barcode,
			Status:  StatusReady,
			Source:  source,
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fact)
		if result.Error != nil {
			return fmt.Errorf("creating status for %s: %w", barcode, result.Error)
		}

		created = result.RowsAffected == 1

		return nil
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

// SetStatus moves the given vials to status. Unknown barcodes are ignored
// and listed in the result, vials already at status are left alone, and if
// any vial cannot legally move to status nothing is changed and a
// *TransitionError is returned.
func (s *store) SetStatus(
	ctx context.Context, barcodes []string, status Status,
) (*TransitionResult, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	unique := dedupe(barcodes)
	result := &TransitionResult{Status: status, Updated: []string{}}

	if len(unique) == 0 {
		return result, nil
	}

	var updated, unchanged, unknown []string

	err := s.atomic(ctx, func(tx *gorm.DB) error {
		current := make(map[string]Status, len(unique))

		for _, batch := range chunk(unique, maxBindVars) {
			var facts []StatusFact
			if err := tx.Where("barcode IN ?", batch).
				Find(&facts).Error; err != nil {
				return fmt.Errorf("loading status facts: %w", err)
			}

			for _, f := range facts {
				current[f.Barcode] = f.Status
			}
		}

		rejected := make(map[string]Status)

		for _, b := range unique {
			cur, ok := current[b]

			switch {
			case !ok:
				unknown = append(unknown, b)
			case cur == status:
				unchanged = append(unchanged, b)
			case isValidTransition(cur, status):
				updated = append(updated, b)
			default:
				rejected[b] = cur
			}
		}

		if len(rejected) > 0 {
			return &TransitionError{To: status, Rejected: rejected}
		}

		now := time.Now().UTC()

		for _, batch := range chunk(updated, maxBindVars) {
			if err := tx.Model(&StatusFact{}).
				Where("barcode IN ?", batch).
				Updates(map[string]any{
					"status":     status,
					"updated_at": now,
				}).Error; err != nil {
				return fmt.Errorf("updating status: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated != nil {
		result.Updated = updated
	}

	result.Unchanged = unchanged
	result.Unknown = unknown

	s.log.WithFields(logrus.Fields{
		"status":    status,
		"updated":   len(updated),
		"unchanged": len(unchanged),
		"unknown":   len(unknown),
	}).Debug("Status updated")

	return result, nil
}

// MaxRackID returns the highest assigned rack id, or 0 when no rack exists.
func (s *store) MaxRackID(ctx context.Context) (int, error) {
	var maxID int
	if err := s.db.WithContext(ctx).
		Model(&SlotAssignment{}).
		Select("COALESCE(MAX(rack_id), 0)").
		Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("querying max rack id: %w", err)
	}

	return maxID, nil
}

func (s *store) unassignedReadyQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("chronect_data AS c").
		Joins("JOIN inventory_fact AS f ON f.barcode = c.barcode").
		Joins("LEFT JOIN hamilton_data AS h ON h.barcode = c.barcode").
		Where("f.status = ? AND h.barcode IS NULL", StatusReady)
}

// UnassignedReadyVials returns Ready vials without a slot, oldest first with
// barcode as tie-break. A limit <= 0 returns all of them.
func (s *store) UnassignedReadyVials(
	ctx context.Context, limit int,
) ([]Vial, error) {
	q := s.unassignedReadyQuery(ctx).
		Select("c.*").
		Order("c.timestamp ASC, c.barcode ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var vials []Vial
	if err := q.Scan(&vials).Error; err != nil {
		return nil, fmt.Errorf("listing unassigned ready vials: %w", err)
	}

	return vials, nil
}

// CountUnassignedReady returns the number of Ready vials without a slot.
func (s *store) CountUnassignedReady(ctx context.Context) (int64, error) {
	var count int64
	if err := s.unassignedReadyQuery(ctx).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting unassigned ready vials: %w", err)
	}

	return count, nil
}

// InsertAssignments stores the assignments in one transaction. An existing
// assignment for the same barcode is replaced; a barcode without a vial
// record rejects the whole batch.
func (s *store) InsertAssignments(
	ctx context.Context, assignments []SlotAssignment,
) error {
	if len(assignments) == 0 {
		return nil
	}

	barcodes := make([]string, 0, len(assignments))

	for i := range assignments {
		a := &assignments[i]
		if a.Barcode == "" || a.RackID <= 0 || !ValidSlot(a.Row, a.Column) {
			return fmt.Errorf(
				"%w: barcode=%q rack=%d slot=%s%d",
				ErrInvalidAssignment, a.Barcode, a.RackID, a.Row, a.Column,
			)
		}

		barcodes = append(barcodes, a.Barcode)
	}

	barcodes = dedupe(barcodes)

	return s.atomic(ctx, func(tx *gorm.DB) error {
		known := make(map[string]struct{}, len(barcodes))

		for _, batch := range chunk(barcodes, maxBindVars) {
			var found []string
			if err := tx.Model(&Vial{}).
				Where("barcode IN ?", batch).
				Pluck("barcode", &found).Error; err != nil {
				return fmt.Errorf("checking vials: %w", err)
			}

			for _, b := range found {
				known[b] = struct{}{}
			}
		}

		for _, b := range barcodes {
			if _, ok := known[b]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownBarcode, b)
			}
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "barcode"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"rack_id", "slot_row", "slot_col", "source", "assigned_at",
			}),
		}).CreateInBatches(assignments, 100).Error; err != nil {
			return fmt.Errorf("inserting slot assignments: %w", err)
		}

		return nil
	})
}

// GetIngestedFile returns the ledger entry for a feed file, or nil when the
// file has never been ingested.
func (s *store) GetIngestedFile(
	ctx context.Context, id string,
) (*IngestedFile, error) {
	var file IngestedFile
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting ingested file: %w", err)
	}

	return &file, nil
}

// RecordIngestedFile inserts or replaces the ledger entry for a feed file.
func (s *store) RecordIngestedFile(
	ctx context.Context, file *IngestedFile,
) error {
	if file.IngestedAt.IsZero() {
		file.IngestedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(file).Error; err != nil {
		return fmt.Errorf("recording ingested file: %w", err)
	}

	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}

func chunk(in []string, size int) [][]string {
	var out [][]string

	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}

		out = append(out, in[i:end])
	}

	return out
}

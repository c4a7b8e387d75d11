// Package audit persists the escrow event trail for operators. Records are
// append-only and ordered by sequence.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"blockbatch/core/events"
	"blockbatch/core/types"
)

// DefaultListLimit caps List when the filter does not specify a limit.
const DefaultListLimit = 500

// Record is a single persisted event.
type Record struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	EscrowID   string    `gorm:"index"`
	Type       string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name across dialects.
func (Record) TableName() string { return "escrow_events" }

// Event decodes the stored payload.
func (r Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(r.Attributes) != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("audit: decode attributes: %w", err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EscrowID string
	Type     string
	After    uint64
	Limit    int
}

// Log is an events.Emitter that writes every event it receives.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Dialector picks the gorm dialect for dsn. postgres:// and postgresql://
// URLs select Postgres; anything else is treated as a SQLite path or DSN.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("audit: dsn is required")
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(trimmed), nil
	}
	return sqlite.Open(trimmed), nil
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, log *slog.Logger) (*Log, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Log{db: db, logger: log, nowFn: time.Now}, nil
}

// SetNowFunc overrides the clock used to stamp records.
func (l *Log) SetNowFunc(now func() time.Time) {
	if l == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append stores evt and returns the record.
func (l *Log) Append(ctx context.Context, evt *types.Event) (*Record, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: log not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return nil, errors.New("audit: event type required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}
	record := &Record{
		EventID:    uuid.New(),
		EscrowID:   attrs["id"],
		Type:       evt.Type,
		Attributes: string(encoded),
		CreatedAt:  l.nowFn().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	return record, nil
}

// Emit implements events.Emitter. Events without a typed payload are
// recorded with no attributes. Write failures are logged and dropped.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	var payload *types.Event
	if p, ok := evt.(events.Payload); ok {
		payload = p.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType()}
	}
	if _, err := l.Append(context.Background(), payload); err != nil {
		l.logger.Error("audit append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// List returns records matching filter in sequence order.
func (l *Log) List(ctx context.Context, filter Filter) ([]Record, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: log not configured")
	}
	limit := filter.Limit
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	query := l.db.WithContext(ctx).Model(&Record{})
	if id := strings.ToLower(strings.TrimSpace(filter.EscrowID)); id != "" {
		query = query.Where("escrow_id = ?", id)
	}
	if typ := strings.TrimSpace(filter.Type); typ != "" {
		query = query.Where("type = ?", typ)
	}
	if filter.After > 0 {
		query = query.Where("sequence > ?", filter.After)
	}
	var records []Record
	if err := query.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return records, nil
}

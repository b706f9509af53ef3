package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// Store is a Registry backed by gorm.
type Store struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database at dsn and migrates the
// accounts table. Use "file::memory:?cache=shared" for an ephemeral database.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	return NewStore(db)
}

// NewStore migrates the accounts table on db
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return &Store{db: db}, nil
}

// Exists implements Registry
func (s *Store) Exists(ctx context.Context, meterID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("meter_id = ?", meterID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("lookup meter %s: %w", meterID, err)
	}
	return count > 0, nil
}

// Register implements Registry
func (s *Store) Register(ctx context.Context, a Account) (Account, error) {
	if err := Validate(a); err != nil {
		return Account{}, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Account{}).Where("meter_id = ?", a.MeterID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.MeterID)
		}
		return tx.Create(&a).Error
	})
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

// Get implements Registry
func (s *Store) Get(ctx context.Context, meterID string) (Account, error) {
	var a Account
	err := s.db.WithContext(ctx).Where("meter_id = ?", meterID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %s", reading.ErrNotFound, meterID)
	}
	if err != nil {
		return Account{}, fmt.Errorf("get meter %s: %w", meterID, err)
	}
	return a, nil
}

// List implements Registry
func (s *Store) List(ctx context.Context, area string) ([]Account, error) {
	q := s.db.WithContext(ctx).Order("meter_id")
	if area != "" {
		q = q.Where("area = ?", area)
	}

	var out []Account
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

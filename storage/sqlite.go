package storage

import (
	"context"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvRecord is the single table of the sqlite backend.
type kvRecord struct {
	Key   string `gorm:"column:k;primaryKey"`
	Value []byte `gorm:"column:v"`
}

func (kvRecord) TableName() string {
	return "kv"
}

// SQLiteStore keeps values in a sqlite database through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", path)
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate kv table")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).Where("k = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite get %s", key)
	}
	return rec.Value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	rec := kvRecord{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v"}),
	}).Create(&rec).Error
	return errors.Wrapf(err, "sqlite set %s", key)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("k = ?", key).Delete(&kvRecord{}).Error
	return errors.Wrapf(err, "sqlite delete %s", key)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

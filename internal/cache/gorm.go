package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// CacheEntry is the persisted row of the sqlite backend
type CacheEntry struct {
	CacheKey  string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

// TableName pins the table name
func (CacheEntry) TableName() string { return "aux_cache_entries" }

// GormBackend keeps entries in a sqlite file through gorm, so cached
// reference data survives restarts.
type GormBackend struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenGorm opens (creating if needed) the sqlite cache at path
func OpenGorm(path string) (*GormBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite cache path is empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open cache database %s", path)
	}
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrate cache table")
	}
	return &GormBackend{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (g *GormBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var e CacheEntry
	err := g.db.WithContext(ctx).Where("cache_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "load cache entry")
	}
	if !g.now().Before(e.ExpiresAt) {
		g.db.WithContext(ctx).Delete(&CacheEntry{}, "cache_key = ?", key)
		return nil, ErrMiss
	}
	return e.Value, nil
}

func (g *GormBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := CacheEntry{CacheKey: key, Value: value, ExpiresAt: g.now().Add(ttl)}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
	}).Create(&e).Error
	return errors.Wrap(err, "save cache entry")
}

func (g *GormBackend) Delete(ctx context.Context, key string) error {
	err := g.db.WithContext(ctx).Delete(&CacheEntry{}, "cache_key = ?", key).Error
	return errors.Wrap(err, "delete cache entry")
}

// Keys lists unexpired keys
func (g *GormBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := g.db.WithContext(ctx).Model(&CacheEntry{}).
		Where("expires_at > ?", g.now()).
		Order("cache_key").
		Pluck("cache_key", &keys).Error
	if err != nil {
		return nil, errors.Wrap(err, "list cache keys")
	}
	return keys, nil
}

// PurgeExpired deletes expired rows and returns how many went
func (g *GormBackend) PurgeExpired(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).Where("expires_at <= ?", g.now()).Delete(&CacheEntry{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge expired entries")
	}
	return res.RowsAffected, nil
}

func (g *GormBackend) Name() string { return BackendSQLite }

func (g *GormBackend) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return errors.Wrap(err, "cache database handle")
	}
	return sqlDB.Close()
}

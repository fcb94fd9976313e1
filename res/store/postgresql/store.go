package postgresql

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"homecare-api/res/store"

	sqlCommenter "github.com/gouyelliot/gorm-sqlcommenter-plugin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PoolConfig tunes the database/sql pool. Zero values keep the driver
// defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type storeImpl struct {
	db *gorm.DB

	users       *userStore
	bookings    *bookingStore
	bookingLogs *bookingLogStore
}

func (s *storeImpl) Users() store.UserStore {
	return s.users
}

func (s *storeImpl) Bookings() store.BookingStore {
	return s.bookings
}

func (s *storeImpl) BookingLogs() store.BookingLogStore {
	return s.bookingLogs
}

func (s *storeImpl) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *storeImpl) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates or updates the tables used by the store.
func (s *storeImpl) AutoMigrate() error {
	if err := s.db.AutoMigrate(&store.User{}, &store.Booking{}, &store.BookingLog{}); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

func Connect(connectionURL string, pool PoolConfig) (*storeImpl, error) {
	return Open(postgres.Open(connectionURL), pool)
}

// Open builds the store on any gorm dialector. Tests use it with sqlite.
func Open(dialector gorm.Dialector, pool PoolConfig) (*storeImpl, error) {
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if err := db.Use(sqlCommenter.New()); err != nil {
		return nil, err
	}
	if err := db.Callback().Query().Before("gorm:query").Register("store::annotate_caller", annotateCaller); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	s := &storeImpl{db: db}
	s.users = &userStore{storeImpl: s}
	s.bookings = &bookingStore{storeImpl: s}
	s.bookingLogs = &bookingLogStore{storeImpl: s}
	return s, nil
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrUniqueViolation
	}
	return err
}

// annotateCaller tags each query with the store method that issued it so
// slow query logs point back at the code.
func annotateCaller(db *gorm.DB) {
	// 4 frames: runtime.Caller, this hook, gorm's callback loop, gorm's Execute.
	pc, _, line, ok := runtime.Caller(4)
	caller := "<unknown>"
	if ok {
		caller = fmt.Sprintf("%s:%d", runtime.FuncForPC(pc).Name(), line)
	}
	db.Clauses(sqlCommenter.NewTag("action", caller))
}

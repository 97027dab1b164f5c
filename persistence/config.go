package persistence

import (
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
)

// Config holds the settings of a Cache and the Provider built on it.
type Config struct {
	// CacheLife is how long a clean wrapper may stay idle before a flush
	// evicts it. Default: 1 minute
	CacheLife time.Duration

	// OrphanPurge deletes orphan tracked objects whose reference count
	// dropped to zero during flush. Default: true
	OrphanPurge bool

	// LockTimeout bounds a non blocking lock attempt. Default: 2ms
	LockTimeout time.Duration

	// LockRetryPause is the pause between two all-or-nothing attempts
	// of a lock set. Default: 1ms
	LockRetryPause time.Duration

	// MaxLockAttempts ends a lock set acquisition with a LOCK_CONTENTION
	// error after that many failed attempts. Zero retries until the
	// context is done.
	MaxLockAttempts int

	// FlushInterval starts a background flush loop when positive.
	FlushInterval time.Duration

	// Debug enables debug level messages for locking, lazy loading and
	// flush activity.
	Debug bool

	Logger *slog.Logger
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheLife:      time.Minute,
		OrphanPurge:    true,
		LockTimeout:    2 * time.Millisecond,
		LockRetryPause: time.Millisecond,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	if err := errors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&c,
			validation.Field(&c.CacheLife, validation.Required, validation.Min(time.Duration(0))),
			validation.Field(&c.LockTimeout, validation.Required, validation.Min(time.Duration(0))),
			validation.Field(&c.LockRetryPause, validation.Min(time.Duration(0))),
			validation.Field(&c.MaxLockAttempts, validation.Min(0)),
			validation.Field(&c.FlushInterval, validation.Min(time.Duration(0))),
		)
	}, "invalid persistence config"); err != nil {
		return err
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

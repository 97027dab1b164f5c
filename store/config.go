package store

import (
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
)

// Config configures an ObjectStore.
type Config struct {
	// Path is the SQLite database file or DSN. Use ":memory:" for a
	// throwaway store.
	Path string

	// ActivationDepth is how many reference hops Fetch materializes.
	// Default: 2
	ActivationDepth int

	// Types are sample values registered up front so rows can be decoded
	// before the first value of a type is stored in this process.
	Types []any

	// Indexed creates an index on the object type column, which speeds up
	// type scans on large stores.
	Indexed bool

	// Debug enables debug level messages for store activity.
	Debug bool

	Logger *slog.Logger
}

// DefaultConfig returns a Config for an in-memory store.
func DefaultConfig() Config {
	return Config{
		Path:            ":memory:",
		ActivationDepth: 2,
		Indexed:         true,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := errors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&c,
			validation.Field(&c.Path, validation.Required),
			validation.Field(&c.ActivationDepth, validation.Required, validation.Min(1)),
		)
	}, "invalid store config"); err != nil {
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

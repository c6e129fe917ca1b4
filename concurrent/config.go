package concurrent

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	KB = 1024

	// DefaultMinLabSize is the smallest buffer a refill asks for.
	DefaultMinLabSize = 4 * KB
	// DefaultMaxLabSize is the largest buffer a refill asks for.
	DefaultMaxLabSize = 32 * KB
	// DefaultMaxLabObjectSize is the largest object served from a buffer;
	// anything bigger is allocated outside of it.
	DefaultMaxLabObjectSize = 2 * KB
	// DefaultMaxObjectSize is the largest object the allocator accepts.
	DefaultMaxObjectSize = 64 * KB
)

// Config holds the tunable sizing policy of an Allocator.
type Config struct {
	MinLabSize       uint64 `toml:"min_lab_size" json:"min_lab_size" validate:"required,word"`
	MaxLabSize       uint64 `toml:"max_lab_size" json:"max_lab_size" validate:"required,word,gtefield=MinLabSize"`
	MaxLabObjectSize uint64 `toml:"max_lab_object_size" json:"max_lab_object_size" validate:"required,word,ltfield=MinLabSize"`
	MaxObjectSize    uint64 `toml:"max_object_size" json:"max_object_size" validate:"required,word,gtefield=MaxLabObjectSize"`
}

// DefaultConfig returns the default sizing policy.
func DefaultConfig() Config {
	return Config{
		MinLabSize:       DefaultMinLabSize,
		MaxLabSize:       DefaultMaxLabSize,
		MaxLabObjectSize: DefaultMaxLabObjectSize,
		MaxObjectSize:    DefaultMaxObjectSize,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("word", func(fl validator.FieldLevel) bool {
		return fl.Field().Uint()%WordSize == 0
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks the sizing policy. Word multiples with MaxLabObjectSize below
// MinLabSize leave room for one word of alignment padding in a fresh buffer.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

package heap

import (
	"fmt"
	"math/bits"
	"os"

	"github.com/cloudfoundry/gosigar"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/logger"
)

const (
	MB = 1024 * concurrent.KB

	// Base is the address of the first page.
	Base = uint64(1) << 32

	// DefaultCapacity is the heap size when free memory allows it.
	DefaultCapacity = 64 * MB
	// DefaultPageSize is the size of a page.
	DefaultPageSize = 256 * concurrent.KB
	// DefaultBlockSize is the granule of the per-page buddy system.
	DefaultBlockSize = 1 * concurrent.KB
)

// Config holds the heap layout and the allocator policy of its workers.
type Config struct {
	Capacity  uint64            `toml:"capacity" json:"capacity" validate:"required"`
	PageSize  uint64            `toml:"page_size" json:"page_size" validate:"required,pow2,gtefield=BlockSize"`
	BlockSize uint64            `toml:"block_size" json:"block_size" validate:"required,pow2,min=64"`
	Verify    bool              `toml:"verify" json:"verify"`
	LogLevel  string            `toml:"log_level" json:"log_level" validate:"omitempty,oneof=none fatal error warn info debug"`
	Allocator concurrent.Config `toml:"allocator" json:"allocator" validate:"-"`
}

// DefaultConfig returns a config sized to at most a quarter of free memory.
func DefaultConfig() Config {
	capacity := uint64(DefaultCapacity)
	if _, _, free := getsysmem(); free > 0 && free/4 < capacity {
		capacity = free / 4 / DefaultPageSize * DefaultPageSize
		if capacity < DefaultPageSize {
			capacity = DefaultPageSize
		}
	}

	allocator := concurrent.DefaultConfig()
	allocator.MaxObjectSize = MaxObjectSize(DefaultPageSize)
	return Config{
		Capacity:  capacity,
		PageSize:  DefaultPageSize,
		BlockSize: DefaultBlockSize,
		LogLevel:  "info",
		Allocator: allocator,
	}
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		logger.Warn("Reading system memory failed: %v", err)
		return 0, 0, 0
	}
	return mem.Total, mem.Used, mem.Free
}

// MaxObjectSize is the largest object a page of pageSize can hold outside a
// buffer, leaving a word for alignment padding in half a page.
func MaxObjectSize(pageSize uint64) uint64 {
	return pageSize/2 - concurrent.WordSize
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		return bits.OnesCount64(fl.Field().Uint()) == 1
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks the config, the allocator policy included.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Capacity%c.PageSize != 0 {
		return fmt.Errorf("%w: capacity %d is not a multiple of page size %d", ErrInvalidConfig, c.Capacity, c.PageSize)
	}
	if err := c.Allocator.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Allocator.MaxLabSize > c.PageSize/2 {
		return fmt.Errorf("%w: max lab size %d exceeds half a page", ErrInvalidConfig, c.Allocator.MaxLabSize)
	}
	if limit := MaxObjectSize(c.PageSize); c.Allocator.MaxObjectSize > limit {
		return fmt.Errorf("%w: max object size %d exceeds %d", ErrInvalidConfig, c.Allocator.MaxObjectSize, limit)
	}
	return nil
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return config, config.Validate()
}

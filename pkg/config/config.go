package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/diskcache/pkg/blockdisk"
	"github.com/KevoDB/diskcache/pkg/keystore"
	"github.com/KevoDB/diskcache/pkg/serialization"
)

const (
	DefaultBlockSize        = blockdisk.DefaultBlockSize
	DefaultDisposeTimeout   = 60 * time.Second
	DefaultVerifySampleSize = 100
	CurrentManifestVersion  = 1

	dataFileSuffix     = ".data"
	keyFileSuffix      = ".key"
	manifestFileSuffix = ".manifest"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// DiskLimitType selects how MaxKeySize is interpreted.
type DiskLimitType string

const (
	// LimitCount bounds the number of keys
	LimitCount DiskLimitType = "COUNT"
	// LimitSize bounds the approximate kilobytes of stored blocks
	LimitSize DiskLimitType = "SIZE"
)

// ParseDiskLimitType accepts COUNT or SIZE in any case.
func ParseDiskLimitType(s string) (DiskLimitType, error) {
	switch t := DiskLimitType(strings.ToUpper(strings.TrimSpace(s))); t {
	case LimitCount, LimitSize:
		return t, nil
	case "":
		return LimitCount, nil
	default:
		return "", fmt.Errorf("%w: unknown disk limit type %q", ErrInvalidConfig, s)
	}
}

// RegionConfig describes one disk cache region.
type RegionConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	DiskPath string `json:"disk_path" mapstructure:"disk_path"`

	// BlockSizeBytes of zero adopts the size recorded in the region's
	// manifest, or DefaultBlockSize for a new region
	BlockSizeBytes int `json:"block_size_bytes" mapstructure:"block_size_bytes"`

	DiskLimitType DiskLimitType `json:"disk_limit_type" mapstructure:"disk_limit_type"`
	// MaxKeySize is a key count or kilobytes depending on DiskLimitType.
	// Zero or less means unbounded.
	MaxKeySize int `json:"max_key_size" mapstructure:"max_key_size"`

	// KeyPersistenceInterval of zero disables periodic key saves
	KeyPersistenceInterval time.Duration `json:"key_persistence_interval" mapstructure:"key_persistence_interval"`
	DisposeTimeout         time.Duration `json:"dispose_timeout" mapstructure:"dispose_timeout"`

	VerifySampleSize int `json:"verify_sample_size" mapstructure:"verify_sample_size"`

	// SkipKeyStoreVerify saves the key file without checking block ownership
	SkipKeyStoreVerify bool `json:"skip_key_store_verify" mapstructure:"skip_key_store_verify"`

	// DisableRemoveAll turns RemoveAll into a logged no-op
	DisableRemoveAll bool `json:"disable_remove_all" mapstructure:"disable_remove_all"`

	Serializer string `json:"serializer" mapstructure:"serializer"`
}

// NewDefaultRegionConfig creates a RegionConfig with recommended default values
func NewDefaultRegionConfig(name, dir string) *RegionConfig {
	return &RegionConfig{
		Name:             name,
		DiskPath:         dir,
		BlockSizeBytes:   DefaultBlockSize,
		DiskLimitType:    LimitCount,
		DisposeTimeout:   DefaultDisposeTimeout,
		VerifySampleSize: DefaultVerifySampleSize,
		Serializer:       serialization.NameStandard,
	}
}

// ResolveBlockSize fills a zero block size from the region's manifest, so a
// region opened without an explicit size keeps the geometry of its files.
// Without a usable manifest it falls back to DefaultBlockSize.
func (c *RegionConfig) ResolveBlockSize() {
	if c.BlockSizeBytes != 0 {
		return
	}
	c.BlockSizeBytes = DefaultBlockSize
	m, err := LoadManifest(c.ManifestPath())
	if err != nil || m.BlockSize <= blockdisk.HeaderSize {
		return
	}
	c.BlockSizeBytes = m.BlockSize
}

// ApplyDefaults fills zero values that have a non-zero default. A zero block
// size is left for ResolveBlockSize, which needs the region's files.
func (c *RegionConfig) ApplyDefaults() {
	if c.DiskLimitType == "" {
		c.DiskLimitType = LimitCount
	}
	c.DiskLimitType = DiskLimitType(strings.ToUpper(string(c.DiskLimitType)))
	if c.DisposeTimeout == 0 {
		c.DisposeTimeout = DefaultDisposeTimeout
	}
	if c.VerifySampleSize == 0 {
		c.VerifySampleSize = DefaultVerifySampleSize
	}
	if c.Serializer == "" {
		c.Serializer = serialization.NameStandard
	}
}

// Validate checks if the configuration is valid
func (c *RegionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: region name not specified", ErrInvalidConfig)
	}

	if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
		return fmt.Errorf("%w: region name %q is not a valid file name", ErrInvalidConfig, c.Name)
	}

	if c.DiskPath == "" {
		return fmt.Errorf("%w: disk path not specified", ErrInvalidConfig)
	}

	if c.BlockSizeBytes < 0 {
		return fmt.Errorf("%w: block size must not be negative", ErrInvalidConfig)
	}

	if c.BlockSizeBytes > 0 && c.BlockSizeBytes <= blockdisk.HeaderSize {
		return fmt.Errorf("%w: block size %d too small", ErrInvalidConfig, c.BlockSizeBytes)
	}

	if _, err := ParseDiskLimitType(string(c.DiskLimitType)); err != nil {
		return err
	}

	if c.KeyPersistenceInterval < 0 {
		return fmt.Errorf("%w: key persistence interval must not be negative", ErrInvalidConfig)
	}

	if c.DisposeTimeout <= 0 {
		return fmt.Errorf("%w: dispose timeout must be positive", ErrInvalidConfig)
	}

	if c.VerifySampleSize <= 0 {
		return fmt.Errorf("%w: verify sample size must be positive", ErrInvalidConfig)
	}

	switch c.Serializer {
	case "", serialization.NameStandard, serialization.NameZstd, serialization.NameS2:
	default:
		return fmt.Errorf("%w: unknown serializer %q", ErrInvalidConfig, c.Serializer)
	}

	return nil
}

// BlockSize returns the effective block size.
func (c *RegionConfig) BlockSize() int {
	if c.BlockSizeBytes <= 0 {
		return DefaultBlockSize
	}
	return c.BlockSizeBytes
}

// Policy maps the limit settings to a key store eviction policy.
func (c *RegionConfig) Policy() keystore.Policy {
	if c.MaxKeySize <= 0 {
		return keystore.Unbounded()
	}
	if strings.EqualFold(string(c.DiskLimitType), string(LimitSize)) {
		return keystore.SizeLimited(c.MaxKeySize, c.BlockSize())
	}
	return keystore.CountLimited(c.MaxKeySize)
}

// DataPath returns the block file path of the region.
func (c *RegionConfig) DataPath() string {
	return filepath.Join(c.DiskPath, c.Name+dataFileSuffix)
}

// KeyPath returns the key file path of the region.
func (c *RegionConfig) KeyPath() string {
	return filepath.Join(c.DiskPath, c.Name+keyFileSuffix)
}

// ManifestPath returns the manifest path of the region.
func (c *RegionConfig) ManifestPath() string {
	return filepath.Join(c.DiskPath, c.Name+manifestFileSuffix)
}

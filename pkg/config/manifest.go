package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest records the on-disk geometry of a region. A region whose manifest
// disagrees with its configuration cannot reuse its files.
type Manifest struct {
	Version    int       `json:"version"`
	Region     string    `json:"region"`
	BlockSize  int       `json:"block_size"`
	Serializer string    `json:"serializer"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewManifest describes the files of the region configured by c.
func NewManifest(c *RegionConfig) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		Version:    CurrentManifestVersion,
		Region:     c.Name,
		BlockSize:  c.BlockSize(),
		Serializer: c.Serializer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Compatible reports whether files written under m can be read with c, and
// why not when they cannot.
func (m *Manifest) Compatible(c *RegionConfig) (bool, string) {
	if m.BlockSize != c.BlockSize() {
		return false, fmt.Sprintf("block size changed from %d to %d", m.BlockSize, c.BlockSize())
	}
	return true, ""
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if m.Version <= 0 || m.Version > CurrentManifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}

	if m.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrInvalidManifest, m.BlockSize)
	}

	return &m, nil
}

// SaveManifest writes m to path through a temporary file and rename.
func SaveManifest(path string, m *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

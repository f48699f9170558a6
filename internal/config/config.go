// Package config loads engine configuration from an INI file using
// gopkg.in/ini.v1, the same library the teacher repo's server/conf
// package is built on.
package config

import (
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Byte-exact constants from spec.md section 6. These are the defaults;
// a deployment may override them but must stay consistent thereafter.
const (
	DefaultPageSize       = 8192
	DefaultWALPageSize    = 8192
	DefaultWALSegmentSize = 16 * 1024 * 1024
	NullsBitmapBytes      = 8
	PageHeaderBytes       = 28
)

// Config holds every tunable the core needs; all other values are
// byte-exact constants shared across a deployment (spec.md section 6).
type Config struct {
	DatabaseDirectory string

	PageSize       uint32
	WALPageSize    uint32
	WALSegmentSize uint64

	BufferPoolSize uint32 // pages
	MaxOpenFiles   int
	WALBufferSize  int // pages buffered before forced flush

	MaxLoadFactor  float64 // not read by the btree package, which always splits at a fixed 0.5
	LockWaitSeconds float64

	LogLevel string
}

// Default returns the byte-exact defaults from spec.md section 6.
func Default(dataDir string) *Config {
	return &Config{
		DatabaseDirectory: dataDir,
		PageSize:          DefaultPageSize,
		WALPageSize:       DefaultWALPageSize,
		WALSegmentSize:    DefaultWALSegmentSize,
		BufferPoolSize:    1024,
		MaxOpenFiles:      128,
		WALBufferSize:     16,
		MaxLoadFactor:     0.5,
		LockWaitSeconds:   1.0,
		LogLevel:          "info",
	}
}

// Load reads an INI file and overlays it on top of Default(dataDir).
func Load(path string, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if path == "" {
		return cfg, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	sec := f.Section("engine")
	if sec.HasKey("database_directory") {
		cfg.DatabaseDirectory = sec.Key("database_directory").String()
	}
	if sec.HasKey("page_size") {
		v, err := sec.Key("page_size").Uint()
		if err == nil {
			cfg.PageSize = uint32(v)
		}
	}
	if sec.HasKey("wal_page_size") {
		v, err := sec.Key("wal_page_size").Uint()
		if err == nil {
			cfg.WALPageSize = uint32(v)
		}
	}
	if sec.HasKey("wal_segment_size") {
		v, err := sec.Key("wal_segment_size").Uint64()
		if err == nil {
			cfg.WALSegmentSize = v
		}
	}
	if sec.HasKey("buffer_pool_size") {
		v, err := sec.Key("buffer_pool_size").Uint()
		if err == nil {
			cfg.BufferPoolSize = uint32(v)
		}
	}
	if sec.HasKey("max_open_files") {
		v, err := sec.Key("max_open_files").Int()
		if err == nil {
			cfg.MaxOpenFiles = v
		}
	}
	if sec.HasKey("wal_buffer_size") {
		v, err := sec.Key("wal_buffer_size").Int()
		if err == nil {
			cfg.WALBufferSize = v
		}
	}
	if sec.HasKey("max_load_factor") {
		v, err := sec.Key("max_load_factor").Float64()
		if err == nil {
			cfg.MaxLoadFactor = v
		}
	}
	if sec.HasKey("lock_wait_seconds") {
		v, err := sec.Key("lock_wait_seconds").Float64()
		if err == nil {
			cfg.LockWaitSeconds = v
		}
	}
	if sec.HasKey("log_level") {
		cfg.LogLevel = sec.Key("log_level").String()
	}
	return cfg, nil
}

// CatalogDir returns the directory holding per-system-table files.
func (c *Config) CatalogDir() string { return filepath.Join(c.DatabaseDirectory, "catalog") }

// BaseDir returns the directory holding per-relation files, base/<db-oid>/<rel-oid>.
func (c *Config) BaseDir() string { return filepath.Join(c.DatabaseDirectory, "base") }

// WALDir returns the directory holding WAL segment files.
func (c *Config) WALDir() string { return filepath.Join(c.DatabaseDirectory, "wal") }

// UndoDir returns the directory holding per-transaction undo files.
func (c *Config) UndoDir() string { return filepath.Join(c.DatabaseDirectory, "undo") }

package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the settings for reading a recorded call site store.
type Config struct {
	StoreDir         string
	CacheMB          int
	ReportJsonFile   string
	ReportChartsFile string
	Top              int
	// ArchiveFile is written by export and read by import, Prepare leaves it unchecked.
	ArchiveFile string
	// Computed fields
	AbsStoreDir string
	prepared    bool
}

// Prepare validates the config and resolves computed fields.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.StoreDir == "" {
		return errors.New("store directory is required")
	} else if c.CacheMB <= 0 {
		return fmt.Errorf("cache budget must be positive: %d", c.CacheMB)
	} else if c.Top < 0 {
		return fmt.Errorf("top must not be negative: %d", c.Top)
	}
	if c.ReportChartsFile != "" {
		if _, err := chartOutputFormat(c.ReportChartsFile); err != nil {
			return err
		}
	}

	absStoreDir, err := filepath.Abs(c.StoreDir)
	if err != nil {
		return fmt.Errorf("error resolving store directory: %w", err)
	}
	if info, err := os.Stat(absStoreDir); err != nil {
		return fmt.Errorf("store directory is not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("store path is not a directory: %s", absStoreDir)
	}
	c.AbsStoreDir = absStoreDir

	for _, path := range []string{c.ReportJsonFile, c.ReportChartsFile} {
		if path == "" {
			continue
		} else if err := validateOutputPath(path); err != nil {
			return fmt.Errorf("invalid output path %q: %w", path, err)
		}
	}

	c.prepared = true
	return nil
}

// PrepareArchiveOutput validates ArchiveFile as an export destination, creating its directory if needed.
func (c *Config) PrepareArchiveOutput() error {
	if c.ArchiveFile == "" {
		return errors.New("archive file is required")
	} else if err := validateOutputPath(c.ArchiveFile); err != nil {
		return fmt.Errorf("invalid output path %q: %w", c.ArchiveFile, err)
	}
	return nil
}

// OpenStorage opens the configured store, the data is kept when the returned Storage is closed.
func (c *Config) OpenStorage() (Storage, error) {
	if !c.prepared {
		return nil, errors.New("config must be prepared")
	}
	return NewBadgerStorage(c.AbsStoreDir, c.CacheMB, false)
}

func validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	} else if err != nil {
		return err
	}
	if strings.HasSuffix(path, string(filepath.Separator)) {
		return errors.New("path is a directory")
	}
	return nil
}

// Package store persists account token state for the velux client.
package store

import (
	"fmt"
	"io"

	"github.com/zorak1103/velux-active/internal/config"
	"github.com/zorak1103/velux-active/internal/velux"
)

// Backend is a token backend that must be closed when no longer needed.
type Backend interface {
	velux.TokenBackend
	io.Closer
}

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return OpenSQLite(cfg.Path)
	case config.StoreYAML:
		return NewYAMLFile(cfg.Path), nil
	case config.StoreMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

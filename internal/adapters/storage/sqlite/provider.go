// Package sqlite provides the SQLite storage adapter.
package sqlite

import (
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/storage/sqldb"
)

// Provider implements ports.StorageProvider using SQLite.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens the SQLite database at path.
func NewProvider(path string) (*Provider, error) {
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.StorageProvider at compile time.
var _ ports.StorageProvider = (*Provider)(nil)

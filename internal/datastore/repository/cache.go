// Package repository persists cache generations, entries and the worker
// registration with GORM.
package repository

import (
	"context"

	"github.com/tphakala/offlinecache/internal/datastore/entities"
	"github.com/tphakala/offlinecache/internal/errors"
)

var (
	// ErrGenerationNotFound is returned when no generation has the given name.
	ErrGenerationNotFound = errors.NewStd("cache generation not found")
	// ErrEntryNotFound is returned when a generation has no entry for a key.
	ErrEntryNotFound = errors.NewStd("cache entry not found")
)

// CacheRepository stores cache generations and their entries.
type CacheRepository interface {
	// Generations
	CreateGeneration(ctx context.Context, name string) (*entities.CacheGeneration, bool, error)
	GetGeneration(ctx context.Context, name string) (*entities.CacheGeneration, error)
	ListGenerationNames(ctx context.Context) ([]string, error)
	DeleteGeneration(ctx context.Context, name string) (bool, error)

	// Entries
	MatchEntry(ctx context.Context, generation, method, url string) (*entities.CacheEntry, error)
	PutEntry(ctx context.Context, generation string, entry *entities.CacheEntry) error
	PutEntries(ctx context.Context, generation string, entries []entities.CacheEntry) error
	ListEntries(ctx context.Context, generation string) ([]entities.CacheEntry, error)
	DeleteEntry(ctx context.Context, generation, method, url string) (bool, error)

	// Registration
	GetRegistration(ctx context.Context) (*entities.Registration, error)
	SaveRegistration(ctx context.Context, activeVersion string) error
}

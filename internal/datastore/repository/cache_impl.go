package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/offlinecache/internal/datastore/entities"
	"github.com/tphakala/offlinecache/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// cacheRepository implements CacheRepository.
type cacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *gorm.DB) CacheRepository {
	return &cacheRepository{db: db}
}

// CreateGeneration returns the generation named name, creating it if absent.
// The boolean reports whether it was created by this call.
func (r *cacheRepository) CreateGeneration(ctx context.Context, name string) (*entities.CacheGeneration, bool, error) {
	gen := entities.CacheGeneration{Name: name}
	result := r.db.WithContext(ctx).Where(entities.CacheGeneration{Name: name}).FirstOrCreate(&gen)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to open cache generation %q: %w", name, result.Error)
	}
	return &gen, result.RowsAffected > 0, nil
}

// GetGeneration returns ErrGenerationNotFound if the generation does not exist.
func (r *cacheRepository) GetGeneration(ctx context.Context, name string) (*entities.CacheGeneration, error) {
	var gen entities.CacheGeneration
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&gen).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("failed to get cache generation %q: %w", name, err)
	}
	return &gen, nil
}

// ListGenerationNames returns generation names in creation order.
func (r *cacheRepository) ListGenerationNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&entities.CacheGeneration{}).Order("id ASC").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache generations: %w", err)
	}
	return names, nil
}

// DeleteGeneration removes a generation and its entries. It reports false when
// the generation did not exist.
func (r *cacheRepository) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen entities.CacheGeneration
		if err := tx.Where("name = ?", name).First(&gen).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		// Entries are removed explicitly; sqlite only cascades with foreign keys on.
		if err := tx.Where("generation_id = ?", gen.ID).Delete(&entities.CacheEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&gen).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache generation %q: %w", name, err)
	}
	return deleted, nil
}

// MatchEntry returns ErrEntryNotFound when the generation or entry is missing.
func (r *cacheRepository) MatchEntry(ctx context.Context, generation, method, url string) (*entities.CacheEntry, error) {
	var entry entities.CacheEntry
	err := r.db.WithContext(ctx).
		Joins("JOIN cache_generations ON cache_generations.id = cache_entries.generation_id").
		Where("cache_generations.name = ? AND cache_entries.method = ? AND cache_entries.url = ?", generation, method, url).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to match cache entry %s %s: %w", method, url, err)
	}
	return &entry, nil
}

// PutEntry inserts or replaces the entry for its method and URL.
func (r *cacheRepository) PutEntry(ctx context.Context, generation string, entry *entities.CacheEntry) error {
	gen, err := r.GetGeneration(ctx, generation)
	if err != nil {
		return err
	}
	entry.GenerationID = gen.ID
	if err := upsertEntries(r.db.WithContext(ctx), []entities.CacheEntry{*entry}); err != nil {
		return fmt.Errorf("failed to put cache entry %s %s: %w", entry.Method, entry.URL, err)
	}
	return nil
}

// PutEntries stores all entries in one transaction: either every entry is
// written or none is.
func (r *cacheRepository) PutEntries(ctx context.Context, generation string, entries []entities.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen entities.CacheGeneration
		if err := tx.Where("name = ?", generation).First(&gen).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGenerationNotFound
			}
			return err
		}
		batch := make([]entities.CacheEntry, len(entries))
		copy(batch, entries)
		for i := range batch {
			batch[i].GenerationID = gen.ID
		}
		if err := upsertEntries(tx, batch); err != nil {
			return fmt.Errorf("failed to put %d cache entries: %w", len(batch), err)
		}
		return nil
	})
}

func upsertEntries(db *gorm.DB, entries []entities.CacheEntry) error {
	for i := range entries {
		entries[i].ID = 0
		entries[i].Size = int64(len(entries[i].Body))
	}
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "generation_id"}, {Name: "method"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "status_text", "header", "type", "response_url", "redirected", "body", "size", "updated_at",
		}),
	}).Create(&entries).Error
}

// ListEntries returns the generation's entries without bodies, in insertion order.
func (r *cacheRepository) ListEntries(ctx context.Context, generation string) ([]entities.CacheEntry, error) {
	gen, err := r.GetGeneration(ctx, generation)
	if err != nil {
		return nil, err
	}
	var entries []entities.CacheEntry
	err = r.db.WithContext(ctx).
		Omit("body").
		Where("generation_id = ?", gen.ID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries of %q: %w", generation, err)
	}
	return entries, nil
}

// DeleteEntry removes a single entry. It reports false when nothing matched.
func (r *cacheRepository) DeleteEntry(ctx context.Context, generation, method, url string) (bool, error) {
	gen, err := r.GetGeneration(ctx, generation)
	if err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return false, nil
		}
		return false, err
	}
	result := r.db.WithContext(ctx).
		Where("generation_id = ? AND method = ? AND url = ?", gen.ID, method, url).
		Delete(&entities.CacheEntry{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete cache entry %s %s: %w", method, url, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetRegistration returns the registration row, or an empty one if none was saved.
func (r *cacheRepository) GetRegistration(ctx context.Context) (*entities.Registration, error) {
	var reg entities.Registration
	err := r.db.WithContext(ctx).First(&reg, entities.RegistrationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entities.Registration{ID: entities.RegistrationID}, nil
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &reg, nil
}

// SaveRegistration records activeVersion as the active generation.
func (r *cacheRepository) SaveRegistration(ctx context.Context, activeVersion string) error {
	now := time.Now()
	reg := entities.Registration{
		ID:            entities.RegistrationID,
		ActiveVersion: activeVersion,
		ActivatedAt:   &now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"active_version", "activated_at", "updated_at"}),
	}).Create(&reg).Error
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

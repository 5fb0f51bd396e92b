package entities

import "time"

// CacheGeneration is a named, versioned collection of cached responses.
type CacheGeneration struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"size:255;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	Entries   []CacheEntry `gorm:"foreignKey:GenerationID;constraint:OnDelete:CASCADE" json:"entries,omitempty"`
}

// TableName returns the table name for GORM.
func (CacheGeneration) TableName() string {
	return "cache_generations"
}

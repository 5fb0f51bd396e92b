package entities

import "time"

// CacheEntry is one stored response keyed by request method and URL.
type CacheEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	GenerationID uint      `gorm:"not null;uniqueIndex:idx_cache_entry_key,priority:1" json:"generation_id"`
	Method       string    `gorm:"size:16;not null;uniqueIndex:idx_cache_entry_key,priority:2" json:"method"`
	URL          string    `gorm:"size:700;not null;uniqueIndex:idx_cache_entry_key,priority:3" json:"url"`
	Status       int       `gorm:"not null" json:"status"`
	StatusText   string    `gorm:"size:100;default:''" json:"status_text"`
	Header       string    `gorm:"type:text" json:"header"` // JSON encoded http.Header
	Type         string    `gorm:"size:16;not null" json:"type"`
	ResponseURL  string    `gorm:"size:2048;default:''" json:"response_url"`
	Redirected   bool      `gorm:"default:false" json:"redirected"`
	Body         []byte    `json:"-"`
	Size         int64     `gorm:"default:0" json:"size"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

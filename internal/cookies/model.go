package cookies

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxIdentifierLength is measured in bytes of the trimmed UTF-8 input.
const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("cookies: invalid user id")

// UserID represents a validated external user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Origin is client metadata captured for audit and stats. It has no behavioral effect.
type Origin struct {
	Signature string `gorm:"column:signature;size:512;not null;default:''"`
	Address   string `gorm:"column:address;size:64;not null;default:''"`
}

// Record is the single authoritative cookie payload entry for one user.
type Record struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_cookie_records_active_user,where:tombstoned = false"`
	Ciphertext       string `gorm:"column:ciphertext;type:text;not null"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null;default:0"`
	ItemCount        int64  `gorm:"column:item_count;not null;default:0"`
	Origin           Origin `gorm:"embedded;embeddedPrefix:origin_"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index:idx_cookie_records_expiry,priority:1"`
	Tombstoned       bool   `gorm:"column:tombstoned;not null;default:false;index:idx_cookie_records_expiry,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "cookie_records"
}

// ExpiredAt reports whether the record is no longer servable at now.
func (r Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAtSeconds <= now.Unix()
}

// CreatedAt returns the creation time in UTC.
func (r Record) CreatedAt() time.Time {
	return time.Unix(r.CreatedAtSeconds, 0).UTC()
}

// UpdatedAt returns the last update time in UTC.
func (r Record) UpdatedAt() time.Time {
	return time.Unix(r.UpdatedAtSeconds, 0).UTC()
}

// ExpiresAt returns the expiry time in UTC.
func (r Record) ExpiresAt() time.Time {
	return time.Unix(r.ExpiresAtSeconds, 0).UTC()
}

// PlaintextRecord is a downloaded record with the decrypted payload in place of the ciphertext.
type PlaintextRecord struct {
	ID        string
	UserID    string
	Payload   []byte
	SizeBytes int64
	ItemCount int64
	Origin    Origin
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Stats is the per-user metadata view. It never exposes the payload.
type Stats struct {
	ItemCount int64
	SizeBytes int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// AggregateStats summarizes all active records.
type AggregateStats struct {
	RecordCount  int64
	TotalBytes   int64
	TotalItems   int64
	AverageItems float64
}

// HealthReport captures store reachability and the codec self-test.
type HealthReport struct {
	StoreHealthy bool
	StoreError   string
	CodecHealthy bool
	Stats        AggregateStats
}

// Healthy reports whether every probe passed.
func (h HealthReport) Healthy() bool {
	return h.StoreHealthy && h.CodecHealthy
}

// PurgeResult summarizes a purge sweep.
type PurgeResult struct {
	ExpiredFound int
	Purged       int64
}

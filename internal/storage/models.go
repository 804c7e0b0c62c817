package storage

import "time"

// Profile is the cached BidWin account of a Telegram user
type Profile struct {
	UserID    int64
	Name      string
	Username  string
	Points    int64
	Token     string
	CreatedTS string
	UpdatedAt time.Time
}

// DisplayName returns the name if set, otherwise the username
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Username
}

// ReferenceRecord is the persisted correlation ID of an in-flight payment
type ReferenceRecord struct {
	UserID    int64
	Reference string
	CreatedAt time.Time
}

// Age returns how long ago the reference was recorded
func (r *ReferenceRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

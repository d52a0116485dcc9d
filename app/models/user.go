package models

import "time"

// User is owned by the surrounding application. The credit core only reads
// and increments Credits, which always equals the sum of the user's ledger
// deltas.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(200);uniqueIndex" json:"email"`
	Credits   int64     `gorm:"not null;default:0" json:"credits"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

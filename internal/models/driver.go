package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Driver represents a registered chauffeur. Availability (opted into
// receiving rides) and OnRide (currently reserved for a ride) are
// independent flags: a driver released from a ride stays available.
type Driver struct {
	gorm.Model
	Phone     string    `json:"phone" gorm:"column:phone;unique;not null"`
	Name      string    `json:"name" gorm:"column:name;not null"`
	Plaque    string    `json:"plaque" gorm:"column:plaque"`
	Couleur   string    `json:"couleur" gorm:"column:couleur"`
	Photo     string    `json:"photo,omitempty" gorm:"column:photo"`
	Lat       float64   `json:"lat" gorm:"column:lat"`
	Lng       float64   `json:"lng" gorm:"column:lng"`
	Available bool      `json:"available" gorm:"column:available;not null;default:false"`
	OnRide    bool      `json:"onRide" gorm:"column:on_ride;not null;default:false"`
	Blocked   bool      `json:"blocked" gorm:"column:blocked;not null;default:false"`
	Solde     int       `json:"solde" gorm:"column:solde;not null;default:0;check:solde >= 0"`
	FCMToken  string    `json:"-" gorm:"column:fcm_token"`
	LastSeen  time.Time `json:"lastSeen" gorm:"column:last_seen"`

	OTPHash    string     `json:"-" gorm:"column:otp_hash"`
	OTPExpires *time.Time `json:"-" gorm:"column:otp_expires"`
}

// TableName specifies the table name
func (Driver) TableName() string {
	return "drivers"
}

// SetOTP stores a bcrypt hash of the one-time code.
func (d *Driver) SetOTP(code string, ttl time.Duration) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	d.OTPHash = string(hash)
	expires := time.Now().Add(ttl)
	d.OTPExpires = &expires
	return nil
}

// CheckOTP verifies a one-time code against the stored hash and expiry.
func (d *Driver) CheckOTP(code string) bool {
	if d.OTPHash == "" || d.OTPExpires == nil || time.Now().After(*d.OTPExpires) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(d.OTPHash), []byte(code)) == nil
}

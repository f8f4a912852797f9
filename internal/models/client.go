package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Client is a rider account, keyed by E.164 phone number.
type Client struct {
	gorm.Model
	Phone    string `json:"phone" gorm:"column:phone;unique;not null"`
	Name     string `json:"name" gorm:"column:name;not null"`
	FCMToken string `json:"-" gorm:"column:fcm_token"`
	Verified bool   `json:"verified" gorm:"column:verified;not null;default:false"`
}

// TableName specifies the table name
func (Client) TableName() string {
	return "clients"
}

// Agent is an operator account that onboards drivers and credits soldes.
type Agent struct {
	gorm.Model
	AgentID string `json:"id" gorm:"column:agent_id;unique;not null"`
	Name    string `json:"name" gorm:"column:name;not null"`
	Phone   string `json:"phone" gorm:"column:phone;unique;not null"`

	OTPHash    string     `json:"-" gorm:"column:otp_hash"`
	OTPExpires *time.Time `json:"-" gorm:"column:otp_expires"`
}

// TableName specifies the table name
func (Agent) TableName() string {
	return "agents"
}

// SetOTP stores a bcrypt hash of the one-time code.
func (a *Agent) SetOTP(code string, ttl time.Duration) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.OTPHash = string(hash)
	expires := time.Now().Add(ttl)
	a.OTPExpires = &expires
	return nil
}

// CheckOTP verifies a one-time code against the stored hash and expiry.
func (a *Agent) CheckOTP(code string) bool {
	if a.OTPHash == "" || a.OTPExpires == nil || time.Now().After(*a.OTPExpires) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.OTPHash), []byte(code)) == nil
}

// OTPCode stores a pending one-time code, hashed, one row per
// phone+purpose pair.
type OTPCode struct {
	gorm.Model
	Phone     string    `gorm:"column:phone;not null;uniqueIndex:idx_otp_phone_purpose"`
	Purpose   string    `gorm:"column:purpose;not null;uniqueIndex:idx_otp_phone_purpose"`
	CodeHash  string    `gorm:"column:code_hash;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	Attempts  int       `gorm:"column:attempts;not null;default:0"`
	Used      bool      `gorm:"column:used;not null;default:false"`
}

// TableName specifies the table name
func (OTPCode) TableName() string {
	return "otp_codes"
}

// AppSetting is a key/value row for app-level configuration such as the
// mobile-money recharge numbers shown to drivers.
type AppSetting struct {
	Key       string    `json:"key" gorm:"column:key;primaryKey"`
	Value     string    `json:"value" gorm:"column:value;not null"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (AppSetting) TableName() string {
	return "app_settings"
}

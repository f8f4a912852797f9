package models

import (
	"time"

	"gorm.io/gorm"
)

// Ride status constants. Terminal states are terminee and annulee.
const (
	RideStatusEnAttente      = "en_attente"
	RideStatusCourseAcceptee = "course_acceptee"
	RideStatusEnCours        = "en_cours"
	RideStatusTerminee       = "terminee"
	RideStatusAnnulee        = "annulee"
)

// Negotiation sub-state constants.
const (
	NegotiationEnAttente = "en_attente"
	NegotiationConfirmee = "confirmee"
)

// Cancellation attribution.
const (
	CancelledByClient = "client"
	CancelledByDriver = "driver"
)

// MinimumFare is the system-wide fare floor in CDF. Offers below it are
// rejected and it is the last-resort fallback for the client's position.
const MinimumFare = 3000

// DefaultMaxReassignAttempts bounds how many times a ride may be handed
// to a new driver after refusals.
const DefaultMaxReassignAttempts = 5

// Ride is a dispatch request from a client. DriverPhone is nil while the
// ride is searching for a driver; Discussion always belongs to the current
// driver pairing, earlier pairings live in ArchivedDiscussion.
type Ride struct {
	gorm.Model
	ClientName  string  `json:"clientName" gorm:"column:client_name"`
	ClientPhone string  `json:"clientPhone" gorm:"column:client_phone;not null"`
	OriginLat   float64 `json:"originLat" gorm:"column:origin_lat;not null"`
	OriginLng   float64 `json:"originLng" gorm:"column:origin_lng;not null"`
	DestLat     float64 `json:"destLat" gorm:"column:destination_lat;not null"`
	DestLng     float64 `json:"destLng" gorm:"column:destination_lng;not null"`

	DriverPhone *string `json:"driverPhone,omitempty" gorm:"column:driver_phone"`

	Status            string `json:"status" gorm:"column:status;not null;default:'en_attente'"`
	NegotiationStatus string `json:"negotiationStatus" gorm:"column:negotiation_status;not null;default:'en_attente'"`

	ProposedPrice  int  `json:"proposedPrice" gorm:"column:proposed_price"`
	ConfirmedPrice *int `json:"confirmedPrice,omitempty" gorm:"column:confirmed_price"`
	Commission     int  `json:"commission" gorm:"column:commission"`

	Discussion         Discussion        `json:"discussion" gorm:"column:discussion;type:jsonb"`
	ArchivedDiscussion DiscussionArchive `json:"archivedDiscussion" gorm:"column:archived_discussion;type:jsonb"`
	ContactedPhones    PhoneList         `json:"contactedDriverPhones" gorm:"column:contacted_driver_phones;type:jsonb"`

	ReassignAttempts    int  `json:"reassignAttempts" gorm:"column:reassign_attempts;not null;default:0"`
	MaxReassignAttempts int  `json:"maxReassignAttempts" gorm:"column:max_reassign_attempts;not null;default:5"`
	Reassigning         bool `json:"-" gorm:"column:reassigning;not null;default:false"`
	ReassigningSince    *time.Time `json:"-" gorm:"column:reassigning_since"`

	CancelledBy  string `json:"cancelledBy,omitempty" gorm:"column:cancelled_by"`
	CancelReason string `json:"cancelReason,omitempty" gorm:"column:cancel_reason"`

	ClientAccepted bool   `json:"clientAccepted" gorm:"column:client_accepted;not null;default:false"`
	LastOfferFrom  string `json:"lastOfferFrom,omitempty" gorm:"column:last_offer_from"`
	LastOfferValue int    `json:"lastOfferValue,omitempty" gorm:"column:last_offer_value"`

	StartedAt  *time.Time `json:"startedAt,omitempty" gorm:"column:started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" gorm:"column:finished_at"`
	Route      string     `json:"route,omitempty" gorm:"column:route"`
}

// TableName specifies the table name
func (Ride) TableName() string {
	return "rides"
}

// Terminal reports whether the ride reached a final state.
func (r *Ride) Terminal() bool {
	return r.Status == RideStatusTerminee || r.Status == RideStatusAnnulee
}

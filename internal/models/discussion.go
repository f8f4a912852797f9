package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageSender identifies which side of the negotiation sent a message.
type MessageSender string

const (
	SenderClient MessageSender = "client"
	SenderDriver MessageSender = "driver"
)

// MessageKind classifies a negotiation message.
type MessageKind string

const (
	KindNormal    MessageKind = "normal"
	KindLastOffer MessageKind = "last_offer"
	KindAccept    MessageKind = "accept"
	KindRefuse    MessageKind = "refuse"
)

// Message is a single entry in a ride's price negotiation.
// Amount is zero for accept/refuse messages.
type Message struct {
	From   MessageSender `json:"from"`
	Amount int           `json:"amount,omitempty"`
	Kind   MessageKind   `json:"kind"`
	SentAt time.Time     `json:"sentAt"`
}

// Discussion is the append-only negotiation log of a ride, stored as a
// JSON column so the same model works on Postgres and the test database.
type Discussion []Message

func (d Discussion) Value() (driver.Value, error) {
	if d == nil {
		d = Discussion{}
	}
	return json.Marshal(d)
}

func (d *Discussion) Scan(value interface{}) error {
	if value == nil {
		*d = Discussion{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported discussion column type %T", value)
	}
}

// ArchivedDiscussion preserves the negotiation a removed driver took part
// in. One entry is appended per driver swap.
type ArchivedDiscussion struct {
	DriverPhone string     `json:"driverPhone"`
	Messages    Discussion `json:"messages"`
	EndedAt     time.Time  `json:"endedAt"`
}

// DiscussionArchive is the ordered list of archived negotiations.
type DiscussionArchive []ArchivedDiscussion

func (a DiscussionArchive) Value() (driver.Value, error) {
	if a == nil {
		a = DiscussionArchive{}
	}
	return json.Marshal(a)
}

func (a *DiscussionArchive) Scan(value interface{}) error {
	if value == nil {
		*a = DiscussionArchive{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported archive column type %T", value)
	}
}

// PhoneList stores a set of phone numbers as a JSON array.
type PhoneList []string

func (p PhoneList) Value() (driver.Value, error) {
	if p == nil {
		p = PhoneList{}
	}
	return json.Marshal(p)
}

func (p *PhoneList) Scan(value interface{}) error {
	if value == nil {
		*p = PhoneList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported phone list column type %T", value)
	}
}

// Contains reports whether phone is already in the list.
func (p PhoneList) Contains(phone string) bool {
	for _, ph := range p {
		if ph == phone {
			return true
		}
	}
	return false
}

// Union returns the list with phone added, without duplicates.
func (p PhoneList) Union(phone string) PhoneList {
	if p.Contains(phone) {
		return p
	}
	return append(p, phone)
}

// ValidSender reports whether s is one of the two negotiation parties.
func ValidSender(s MessageSender) bool {
	return s == SenderClient || s == SenderDriver
}

// ValidKind reports whether k is a recognized message kind.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindNormal, KindLastOffer, KindAccept, KindRefuse:
		return true
	}
	return false
}

// Package negotiation interprets a ride's discussion log: validating
// incoming offers and deriving the client's current price position from
// the message history.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiese-app/kiese-backend/internal/models"
)

var (
	// ErrBelowMinimumFare rejects offers under the system-wide floor.
	ErrBelowMinimumFare = fmt.Errorf("amount below minimum fare of %d CDF", models.MinimumFare)
	// ErrInvalidSender rejects messages from neither party.
	ErrInvalidSender = errors.New("sender must be client or driver")
	// ErrInvalidKind rejects unrecognized message kinds.
	ErrInvalidKind = errors.New("unknown message kind")
	// ErrAmountRequired rejects offers without an amount.
	ErrAmountRequired = errors.New("offer requires an amount")
)

// NewMessage validates and builds a negotiation message. Offer kinds
// (normal, last_offer) require an amount at or above the fare floor;
// accept and refuse carry no amount.
func NewMessage(from models.MessageSender, kind models.MessageKind, amount int) (models.Message, error) {
	if !models.ValidSender(from) {
		return models.Message{}, ErrInvalidSender
	}
	if !models.ValidKind(kind) {
		return models.Message{}, ErrInvalidKind
	}
	switch kind {
	case models.KindNormal, models.KindLastOffer:
		if amount == 0 {
			return models.Message{}, ErrAmountRequired
		}
		if amount < models.MinimumFare {
			return models.Message{}, ErrBelowMinimumFare
		}
	default:
		amount = 0
	}
	return models.Message{From: from, Amount: amount, Kind: kind, SentAt: time.Now()}, nil
}

// LastClientOffer scans the discussion from the end for the most recent
// client message carrying a valid amount. When none exists it falls back
// to the ride's stored proposed price, and finally to the minimum fare.
func LastClientOffer(d models.Discussion, fallback int) int {
	for i := len(d) - 1; i >= 0; i-- {
		m := d[i]
		if m.From == models.SenderClient && m.Amount >= models.MinimumFare {
			return m.Amount
		}
	}
	if fallback >= models.MinimumFare {
		return fallback
	}
	return models.MinimumFare
}

// Seed builds the single opening message a reseeded discussion starts
// with, carrying the client's last known position.
func Seed(amount int) models.Discussion {
	if amount < models.MinimumFare {
		amount = models.MinimumFare
	}
	return models.Discussion{{
		From:   models.SenderClient,
		Amount: amount,
		Kind:   models.KindNormal,
		SentAt: time.Now(),
	}}
}

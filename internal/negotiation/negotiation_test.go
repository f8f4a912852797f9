package negotiation

import (
	"errors"
	"testing"
	"time"

	"github.com/kiese-app/kiese-backend/internal/models"
)

func TestNewMessage_ValidOffer(t *testing.T) {
	msg, err := NewMessage(models.SenderClient, models.KindNormal, 5000)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.From != models.SenderClient || msg.Kind != models.KindNormal || msg.Amount != 5000 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SentAt.IsZero() {
		t.Fatal("SentAt not set")
	}
}

func TestNewMessage_BelowMinimumFare(t *testing.T) {
	for _, kind := range []models.MessageKind{models.KindNormal, models.KindLastOffer} {
		if _, err := NewMessage(models.SenderClient, kind, models.MinimumFare-1); !errors.Is(err, ErrBelowMinimumFare) {
			t.Errorf("kind %s: want ErrBelowMinimumFare, got %v", kind, err)
		}
	}
	// The floor itself is allowed.
	if _, err := NewMessage(models.SenderClient, models.KindNormal, models.MinimumFare); err != nil {
		t.Errorf("minimum fare offer rejected: %v", err)
	}
}

func TestNewMessage_AmountRequired(t *testing.T) {
	if _, err := NewMessage(models.SenderDriver, models.KindNormal, 0); !errors.Is(err, ErrAmountRequired) {
		t.Fatalf("want ErrAmountRequired, got %v", err)
	}
}

func TestNewMessage_AcceptCarriesNoAmount(t *testing.T) {
	msg, err := NewMessage(models.SenderDriver, models.KindAccept, 9999)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Amount != 0 {
		t.Fatalf("accept amount = %d, want 0", msg.Amount)
	}

	msg, err = NewMessage(models.SenderClient, models.KindRefuse, 0)
	if err != nil {
		t.Fatalf("NewMessage refuse: %v", err)
	}
	if msg.Amount != 0 {
		t.Fatalf("refuse amount = %d, want 0", msg.Amount)
	}
}

func TestNewMessage_InvalidSenderAndKind(t *testing.T) {
	if _, err := NewMessage("system", models.KindNormal, 5000); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("want ErrInvalidSender, got %v", err)
	}
	if _, err := NewMessage(models.SenderClient, "counter", 5000); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("want ErrInvalidKind, got %v", err)
	}
}

func TestLastClientOffer(t *testing.T) {
	now := time.Now()
	d := models.Discussion{
		{From: models.SenderClient, Amount: 5000, Kind: models.KindNormal, SentAt: now},
		{From: models.SenderDriver, Amount: 8000, Kind: models.KindNormal, SentAt: now},
		{From: models.SenderClient, Amount: 6000, Kind: models.KindLastOffer, SentAt: now},
		{From: models.SenderDriver, Kind: models.KindRefuse, SentAt: now},
	}
	if got := LastClientOffer(d, 0); got != 6000 {
		t.Fatalf("LastClientOffer = %d, want 6000", got)
	}
}

func TestLastClientOffer_Fallbacks(t *testing.T) {
	// Driver-only history falls back to the stored proposed price.
	d := models.Discussion{
		{From: models.SenderDriver, Amount: 8000, Kind: models.KindNormal, SentAt: time.Now()},
	}
	if got := LastClientOffer(d, 4500); got != 4500 {
		t.Fatalf("fallback = %d, want 4500", got)
	}

	// A fallback below the floor is pulled up to the minimum fare.
	if got := LastClientOffer(nil, 100); got != models.MinimumFare {
		t.Fatalf("floor fallback = %d, want %d", got, models.MinimumFare)
	}
}

func TestSeed(t *testing.T) {
	d := Seed(7000)
	if len(d) != 1 {
		t.Fatalf("seed length = %d, want 1", len(d))
	}
	m := d[0]
	if m.From != models.SenderClient || m.Kind != models.KindNormal || m.Amount != 7000 {
		t.Fatalf("unexpected seed message: %+v", m)
	}

	// Seeding below the floor clamps to the minimum fare.
	if got := Seed(0)[0].Amount; got != models.MinimumFare {
		t.Fatalf("clamped seed = %d, want %d", got, models.MinimumFare)
	}
}

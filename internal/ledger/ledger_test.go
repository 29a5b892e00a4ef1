package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository/memstore"
)

func newStore(t *testing.T, capacity int, tiers ...model.TicketTier) *memstore.Store {
	t.Helper()
	s := memstore.New()
	err := s.CreateEvent(context.Background(), &model.Event{
		ID: "evt", Title: "Launch", Capacity: capacity, Status: model.EventPublished,
		Tiers: tiers, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return s
}

func reserve(t *testing.T, s repository.Store, tier string) bool {
	t.Helper()
	ctx := context.Background()
	var ok bool
	err := s.InTx(ctx, func(tx repository.Tx) error {
		e, err := tx.LockEvent(ctx, "evt")
		if err != nil {
			return err
		}
		ok, err = New().Reserve(ctx, tx, e, tier)
		return err
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return ok
}

func TestReserveStopsAtCapacity(t *testing.T) {
	s := newStore(t, 2)
	for i, want := range []bool{true, true, false} {
		if got := reserve(t, s, ""); got != want {
			t.Fatalf("reserve #%d = %v, want %v", i+1, got, want)
		}
	}
	e, _ := s.GetEvent(context.Background(), "evt")
	if e.RegisteredCount != 2 {
		t.Fatalf("registered_count = %d, want 2", e.RegisteredCount)
	}
}

func TestReserveTierIsIndependentlyBounded(t *testing.T) {
	s := newStore(t, 10, model.TicketTier{Name: "VIP", Capacity: 1}, model.TicketTier{Name: "GA", Capacity: 9})
	if !reserve(t, s, "VIP") {
		t.Fatal("first VIP reserve failed")
	}
	if reserve(t, s, "VIP") {
		t.Fatal("VIP tier oversold")
	}
	if !reserve(t, s, "GA") {
		t.Fatal("GA reserve failed while event has room")
	}
	e, _ := s.GetEvent(context.Background(), "evt")
	if e.RegisteredCount != 2 || e.Tier("VIP").RegisteredCount != 1 || e.Tier("GA").RegisteredCount != 1 {
		t.Fatalf("unexpected counters: %+v", e)
	}
}

func TestReserveFullEventBlocksTier(t *testing.T) {
	s := newStore(t, 1, model.TicketTier{Name: "GA", Capacity: 5})
	if !reserve(t, s, "") {
		t.Fatal("untiered reserve failed")
	}
	if reserve(t, s, "GA") {
		t.Fatal("tier reserve succeeded on a full event")
	}
}

func TestReserveUnknownTier(t *testing.T) {
	s := newStore(t, 1)
	ctx := context.Background()
	err := s.InTx(ctx, func(tx repository.Tx) error {
		e, err := tx.LockEvent(ctx, "evt")
		if err != nil {
			return err
		}
		_, err = New().Reserve(ctx, tx, e, "Backstage")
		return err
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	s := newStore(t, 1, model.TicketTier{Name: "GA", Capacity: 1})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := s.InTx(ctx, func(tx repository.Tx) error {
			e, err := tx.LockEvent(ctx, "evt")
			if err != nil {
				return err
			}
			return New().Release(ctx, tx, e, "GA")
		})
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	e, _ := s.GetEvent(ctx, "evt")
	if e.RegisteredCount != 0 || e.Tier("GA").RegisteredCount != 0 {
		t.Fatalf("counters below zero: %+v", e)
	}
}

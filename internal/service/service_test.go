package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"github.com/Shivanand-hulikatti/registration-engine/internal/config"
	"github.com/Shivanand-hulikatti/registration-engine/internal/gamification"
	"github.com/Shivanand-hulikatti/registration-engine/internal/identity"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/outbox"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository/memstore"
	"github.com/Shivanand-hulikatti/registration-engine/internal/ticket"
)

var (
	organizer = identity.Principal{UserID: "organizer", Role: identity.RoleUser}
	admin     = identity.Principal{UserID: "admin", Role: identity.RoleAdmin}
	gateway   = identity.Principal{UserID: "payments", Role: identity.RoleSystem}
)

func asUser(id string) identity.Principal {
	return identity.Principal{UserID: id, Role: identity.RoleUser}
}

type stubHooks struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (h *stubHooks) Trigger(_ context.Context, eventType, _ string, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, eventType)
	return h.err
}

func (h *stubHooks) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *RegistrationService
	store *memstore.Store
	queue *outbox.Queue
	hooks *stubHooks
}

func newFixture(t *testing.T, issuer *ticket.Issuer) *fixture {
	t.Helper()
	store := memstore.New()
	queue := outbox.New(config.OutboxConfig{Workers: 2, Buffer: 4096, MaxAttempts: 2}).
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = queue.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	hooks := &stubHooks{}
	svc := NewRegistrationService(Deps{
		Store:         store,
		Outbox:        queue,
		Webhooks:      hooks,
		Gamification:  gamification.NewEngine(store),
		Issuer:        issuer,
		Points:        config.PointsConfig{Register: 50, CheckIn: 100},
		TxMaxAttempts: 5,
	})
	svc.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return &fixture{svc: svc, store: store, queue: queue, hooks: hooks}
}

func (f *fixture) event(t *testing.T, req model.CreateEventRequest) *model.Event {
	t.Helper()
	if req.Title == "" {
		req.Title = "Go Meetup"
	}
	e, err := f.svc.CreateEvent(context.Background(), organizer, req)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return e
}

// assertLedger checks that the event counter equals the number of
// seat-holding registrations and never exceeds capacity.
func (f *fixture) assertLedger(t *testing.T, eventID string) *model.Event {
	t.Helper()
	ctx := context.Background()
	e, err := f.store.GetEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	regs, err := f.store.ListRegistrations(ctx, eventID)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	holding := 0
	perTier := map[string]int{}
	for _, r := range regs {
		if r.Status.HoldsSeat() {
			holding++
			if r.TierName != nil {
				perTier[*r.TierName]++
			}
		}
	}
	if e.RegisteredCount != holding {
		t.Fatalf("registered_count = %d, seat-holding registrations = %d", e.RegisteredCount, holding)
	}
	if e.RegisteredCount > e.Capacity {
		t.Fatalf("registered_count %d exceeds capacity %d", e.RegisteredCount, e.Capacity)
	}
	for _, tier := range e.Tiers {
		if tier.RegisteredCount != perTier[tier.Name] || tier.RegisteredCount > tier.Capacity {
			t.Fatalf("tier %s count = %d, holding = %d, capacity = %d", tier.Name, tier.RegisteredCount, perTier[tier.Name], tier.Capacity)
		}
	}
	return e
}

func TestConcurrentRegistrationsNeverOverbook(t *testing.T) {
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 5})

	const n = 50
	results := make(chan model.BookingResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			res, err := f.svc.Register(context.Background(), asUser(user), e.ID, model.RegisterRequest{})
			br := model.BookingResult{UserID: user, Error: err}
			if err == nil {
				br.Status = res.Registration.Status
			}
			results <- br
		}(i)
	}
	wg.Wait()
	close(results)

	confirmed, full := 0, 0
	for r := range results {
		switch {
		case r.Error == nil && r.Status == model.StatusConfirmed:
			confirmed++
		case errors.Is(r.Error, model.ErrCapacityExceeded):
			full++
		default:
			t.Errorf("unexpected result for %s: %+v", r.UserID, r)
		}
	}
	if confirmed != 5 || full != n-5 {
		t.Fatalf("confirmed=%d full=%d, want 5 and %d", confirmed, full, n-5)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 5 {
		t.Fatalf("registered_count = %d, want 5", got.RegisteredCount)
	}
}

func TestConcurrentRegistrationsOverflowToWaitlist(t *testing.T) {
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 5, WaitlistEnabled: true})

	const n = 40
	var confirmed, waitlisted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Register(context.Background(), asUser(fmt.Sprintf("user-%d", i)), e.ID, model.RegisterRequest{})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			switch res.Registration.Status {
			case model.StatusConfirmed:
				confirmed.Add(1)
			case model.StatusWaitlisted:
				waitlisted.Add(1)
				if res.Ticket == nil || res.Ticket.Status != model.StatusWaitlisted {
					t.Errorf("waitlisted ticket = %+v", res.Ticket)
				}
			}
		}(i)
	}
	wg.Wait()

	if confirmed.Load() != 5 || waitlisted.Load() != n-5 {
		t.Fatalf("confirmed=%d waitlisted=%d", confirmed.Load(), waitlisted.Load())
	}
	f.assertLedger(t, e.ID)
}

func TestRegisterTwiceReturnsExistingRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 10})

	first, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if !first.Created || second.Created {
		t.Fatalf("created flags = %v, %v", first.Created, second.Created)
	}
	if first.Registration.ID != second.Registration.ID || first.Ticket.ID != second.Ticket.ID {
		t.Fatalf("second register returned a different registration")
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d, want 1", got.RegisteredCount)
	}
}

func TestConcurrentDuplicateRegistrationCountsOnce(t *testing.T) {
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 10})

	const n = 20
	var created atomic.Int32
	ids := make(chan string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := f.svc.Register(context.Background(), asUser("same-user"), e.ID, model.RegisterRequest{})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			if res.Created {
				created.Add(1)
			}
			ids <- res.Registration.ID
		}()
	}
	wg.Wait()
	close(ids)

	if created.Load() != 1 {
		t.Fatalf("created = %d, want 1", created.Load())
	}
	var want string
	for id := range ids {
		if want == "" {
			want = id
		}
		if id != want {
			t.Fatalf("registration ids differ: %s vs %s", id, want)
		}
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d, want 1", got.RegisteredCount)
	}
}

func TestCapacityOneCancelPromotesWaitlisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1, WaitlistEnabled: true})

	a, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{})
	if err != nil || a.Registration.Status != model.StatusConfirmed {
		t.Fatalf("A = %+v, %v", a, err)
	}
	b, err := f.svc.Register(ctx, asUser("B"), e.ID, model.RegisterRequest{})
	if err != nil || b.Registration.Status != model.StatusWaitlisted {
		t.Fatalf("B = %+v, %v", b, err)
	}
	if _, err := f.svc.Register(ctx, asUser("C"), e.ID, model.RegisterRequest{}); err != nil {
		t.Fatalf("C: %v", err)
	}

	res, err := f.svc.Cancel(ctx, "A", e.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Registration.Status != model.StatusCancelled {
		t.Fatalf("cancelled status = %s", res.Registration.Status)
	}
	if res.Promoted == nil || res.Promoted.UserID != "B" {
		t.Fatalf("promoted = %+v, want B", res.Promoted)
	}

	regB, _ := f.store.GetRegistration(ctx, "B", e.ID)
	regC, _ := f.store.GetRegistration(ctx, "C", e.ID)
	if regB.Status != model.StatusConfirmed || regC.Status != model.StatusWaitlisted {
		t.Fatalf("B=%s C=%s, want confirmed and waitlisted", regB.Status, regC.Status)
	}
	tkB, _ := f.store.GetTicket(ctx, *regB.TicketID)
	if tkB.Status != model.StatusConfirmed {
		t.Fatalf("B ticket = %s", tkB.Status)
	}
	tkA, _ := f.store.GetTicket(ctx, a.Ticket.ID)
	if tkA.Status != model.StatusCancelled {
		t.Fatalf("A ticket = %s", tkA.Status)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d, want 1", got.RegisteredCount)
	}

	f.queue.Flush()
	if f.hooks.count(model.HookRegistrationPromoted) != 1 {
		t.Fatalf("promotion webhooks = %d", f.hooks.count(model.HookRegistrationPromoted))
	}
	ns, _ := f.store.ListNotifications(ctx, "B")
	found := false
	for _, n := range ns {
		found = found || n.Type == "waitlist_promotion"
	}
	if !found {
		t.Fatal("B was not notified of promotion")
	}
}

func TestCancelWithEmptyWaitlistReleasesSeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1})

	if _, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := f.svc.Cancel(ctx, "A", e.ID)
	if err != nil || res.Promoted != nil {
		t.Fatalf("Cancel = %+v, %v", res, err)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 0 {
		t.Fatalf("registered_count = %d, want 0", got.RegisteredCount)
	}
	if _, err := f.svc.Register(ctx, asUser("B"), e.ID, model.RegisterRequest{}); err != nil {
		t.Fatalf("freed seat not available: %v", err)
	}

	// A cancelled registration is not resurrected by registering again.
	again, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{})
	if err != nil || again.Created || again.Registration.Status != model.StatusCancelled {
		t.Fatalf("re-register = %+v, %v", again, err)
	}

	if _, err := f.svc.Cancel(ctx, "A", e.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("second cancel err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.Cancel(ctx, "nobody", e.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("cancel without registration err = %v, want ErrNotFound", err)
	}
}

func TestCancelWaitlistedDoesNotTouchLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1, WaitlistEnabled: true})

	for _, u := range []string{"A", "B", "C"} {
		if _, err := f.svc.Register(ctx, asUser(u), e.ID, model.RegisterRequest{}); err != nil {
			t.Fatalf("Register %s: %v", u, err)
		}
	}
	res, err := f.svc.Cancel(ctx, "B", e.ID)
	if err != nil || res.Promoted != nil {
		t.Fatalf("Cancel = %+v, %v", res, err)
	}
	// C is next in line now that B left.
	res, err = f.svc.Cancel(ctx, "A", e.ID)
	if err != nil || res.Promoted == nil || res.Promoted.UserID != "C" {
		t.Fatalf("Cancel A = %+v, %v", res, err)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d, want 1", got.RegisteredCount)
	}
}

func TestTierCapacityAndPromotionStayWithinTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{
		Capacity:        10,
		WaitlistEnabled: true,
		PriceCents:      1000,
		Tiers:           []model.CreateTierRequest{{Name: "VIP", Capacity: 1, PriceCents: 5000}},
	})

	vip, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{TierName: "VIP"})
	if err != nil || vip.Registration.Status != model.StatusConfirmed || vip.Ticket.PriceCents != 5000 {
		t.Fatalf("VIP = %+v, %v", vip, err)
	}
	wait, err := f.svc.Register(ctx, asUser("B"), e.ID, model.RegisterRequest{TierName: "VIP"})
	if err != nil || wait.Registration.Status != model.StatusWaitlisted {
		t.Fatalf("second VIP = %+v, %v", wait, err)
	}
	general, err := f.svc.Register(ctx, asUser("C"), e.ID, model.RegisterRequest{})
	if err != nil || general.Registration.Status != model.StatusConfirmed || general.Ticket.PriceCents != 1000 {
		t.Fatalf("general = %+v, %v", general, err)
	}
	if _, err := f.svc.Register(ctx, asUser("D"), e.ID, model.RegisterRequest{TierName: "Backstage"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown tier err = %v, want ErrNotFound", err)
	}

	// A general cancellation frees no VIP seat.
	if res, err := f.svc.Cancel(ctx, "C", e.ID); err != nil || res.Promoted != nil {
		t.Fatalf("cancel general = %+v, %v", res, err)
	}
	res, err := f.svc.Cancel(ctx, "A", e.ID)
	if err != nil || res.Promoted == nil || res.Promoted.UserID != "B" {
		t.Fatalf("cancel VIP = %+v, %v", res, err)
	}
	got := f.assertLedger(t, e.ID)
	if got.RegisteredCount != 1 || got.Tier("VIP").RegisteredCount != 1 {
		t.Fatalf("counts = %d / %d, want 1 / 1", got.RegisteredCount, got.Tier("VIP").RegisteredCount)
	}
}

func TestCancelPromotesOldestEntrantAcrossTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{
		Capacity:        2,
		WaitlistEnabled: true,
		Tiers:           []model.CreateTierRequest{{Name: "VIP", Capacity: 1, PriceCents: 5000}},
	})

	if _, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{}); err != nil {
		t.Fatalf("Register A: %v", err)
	}
	if _, err := f.svc.Register(ctx, asUser("B"), e.ID, model.RegisterRequest{TierName: "VIP"}); err != nil {
		t.Fatalf("Register B: %v", err)
	}
	c, err := f.svc.Register(ctx, asUser("C"), e.ID, model.RegisterRequest{})
	if err != nil || c.Registration.Status != model.StatusWaitlisted {
		t.Fatalf("C = %+v, %v", c, err)
	}

	// B's VIP seat frees an event-level seat that C can take.
	res, err := f.svc.Cancel(ctx, "B", e.ID)
	if err != nil {
		t.Fatalf("Cancel B: %v", err)
	}
	if res.Promoted == nil || res.Promoted.UserID != "C" {
		t.Fatalf("promoted = %+v, want C", res.Promoted)
	}
	got := f.assertLedger(t, e.ID)
	if got.RegisteredCount != 2 || got.Tier("VIP").RegisteredCount != 0 {
		t.Fatalf("counts = %d / %d, want 2 / 0", got.RegisteredCount, got.Tier("VIP").RegisteredCount)
	}

	d, err := f.svc.Register(ctx, asUser("D"), e.ID, model.RegisterRequest{})
	if err != nil || d.Registration.Status != model.StatusWaitlisted {
		t.Fatalf("newcomer D = %+v, %v; want waitlisted", d, err)
	}
}

func TestRegisterRejectsUnpublishedEvent(t *testing.T) {
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 10, Status: model.EventDraft})
	_, err := f.svc.Register(context.Background(), asUser("u1"), e.ID, model.RegisterRequest{})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.Register(context.Background(), asUser("u1"), "missing", model.RegisterRequest{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing event err = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Register(context.Background(), asUser(""), e.ID, model.RegisterRequest{}); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("anonymous err = %v, want ErrNotAuthenticated", err)
	}
}

func createCode(t *testing.T, f *fixture, code string, maxUses int, eventID *string) *model.DiscountCode {
	t.Helper()
	d, err := f.svc.CreateDiscountCode(context.Background(), admin, model.CreateDiscountRequest{
		Code: code, Type: model.DiscountPercentage, Value: 20, MaxUses: &maxUses, EventID: eventID,
	})
	if err != nil {
		t.Fatalf("CreateDiscountCode: %v", err)
	}
	return d
}

func TestSingleUseDiscountUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 20, PriceCents: 10000})
	code := createCode(t, f, "launch20", 1, nil)

	const n = 15
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Register(ctx, asUser(fmt.Sprintf("user-%d", i)), e.ID, model.RegisterRequest{DiscountCode: "LAUNCH20"})
			switch {
			case err == nil:
				if !res.Registration.DiscountApplied || res.Registration.DiscountCents != 2000 {
					t.Errorf("winner registration = %+v", res.Registration)
				}
				ok.Add(1)
			case errors.Is(err, model.ErrInvalidState):
				rejected.Add(1)
			default:
				t.Errorf("Register: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != n-1 {
		t.Fatalf("ok=%d rejected=%d", ok.Load(), rejected.Load())
	}
	d, _ := f.store.GetDiscount(ctx, code.ID)
	if d.UsedCount != 1 {
		t.Fatalf("used_count = %d, want 1", d.UsedCount)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("rejected registrations leaked seats: registered_count = %d", got.RegisteredCount)
	}
}

func TestDiscountScopedToOtherEventIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 5})
	other := f.event(t, model.CreateEventRequest{Capacity: 5})
	createCode(t, f, "OTHER", 10, &other.ID)

	if _, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{DiscountCode: "other"}); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{DiscountCode: "NOPE"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown code err = %v, want ErrNotFound", err)
	}
	res, err := f.svc.ValidateDiscount(ctx, "other", other.ID)
	if err != nil || !res.Valid {
		t.Fatalf("ValidateDiscount = %+v, %v", res, err)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 0 {
		t.Fatalf("registered_count = %d", got.RegisteredCount)
	}
}

func TestPendingRegistrationConfirmedByPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 2, PriceCents: 5000})
	code := createCode(t, f, "HALF", 5, nil)

	res, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{AwaitPayment: true, DiscountCode: "HALF"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Registration.Status != model.StatusPending || res.Ticket.Status != model.StatusPending {
		t.Fatalf("pending registration = %+v / %+v", res.Registration, res.Ticket)
	}
	if d, _ := f.store.GetDiscount(ctx, code.ID); d.UsedCount != 0 {
		t.Fatalf("discount redeemed before confirmation: %d", d.UsedCount)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("pending registration does not hold a seat")
	}

	if _, err := f.svc.ConfirmPendingRegistration(ctx, asUser("u2"), e.ID, "u1", ""); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("foreign confirm err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.svc.ConfirmPendingRegistration(ctx, asUser("u1"), e.ID, "", ""); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("self confirm err = %v, want ErrNotAuthorized", err)
	}

	conf, err := f.svc.ConfirmPendingRegistration(ctx, gateway, e.ID, "u1", "")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if conf.Registration.Status != model.StatusConfirmed || conf.Ticket.Status != model.StatusConfirmed {
		t.Fatalf("confirmed = %+v / %+v", conf.Registration, conf.Ticket)
	}
	if !conf.Registration.DiscountApplied || conf.Registration.DiscountCents != 1000 {
		t.Fatalf("discount = %v / %d", conf.Registration.DiscountApplied, conf.Registration.DiscountCents)
	}

	// A repeated gateway callback is harmless.
	if _, err := f.svc.ConfirmPendingRegistration(ctx, gateway, e.ID, "u1", ""); err != nil {
		t.Fatalf("repeated Confirm: %v", err)
	}
	if d, _ := f.store.GetDiscount(ctx, code.ID); d.UsedCount != 1 {
		t.Fatalf("used_count = %d, want 1", d.UsedCount)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("confirmation changed the counter: %d", got.RegisteredCount)
	}

	f.queue.Flush()
	p, _ := f.store.GetProfile(ctx, "u1")
	if p.Points != 50 {
		t.Fatalf("points = %d, want 50 awarded once", p.Points)
	}
}

func TestRegisterWithPaymentConfirmedUsesConfirmPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1})

	if _, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{AwaitPayment: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The registrant cannot vouch for their own payment.
	self, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{PaymentConfirmed: true})
	if err != nil {
		t.Fatalf("Register with self-confirmed payment: %v", err)
	}
	if self.Registration.Status != model.StatusPending {
		t.Fatalf("self-confirmed status = %s, want pending", self.Registration.Status)
	}
	if _, err := f.svc.Register(ctx, asUser("u2"), e.ID, model.RegisterRequest{UserID: "u1", PaymentConfirmed: true}); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("register on behalf err = %v, want ErrNotAuthorized", err)
	}

	res, err := f.svc.Register(ctx, gateway, e.ID, model.RegisterRequest{UserID: "u1", PaymentConfirmed: true})
	if err != nil {
		t.Fatalf("Register with payment: %v", err)
	}
	if res.Created || res.Registration.Status != model.StatusConfirmed || res.Registration.UserID != "u1" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d, want 1", got.RegisteredCount)
	}
}

func TestUserPaymentConfirmedOnNewRegistrationIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 2, PriceCents: 1500})

	res, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{AwaitPayment: true, PaymentConfirmed: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Registration.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", res.Registration.Status)
	}
}

func TestCheckInExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1, WaitlistEnabled: true})

	a, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, err := f.svc.Register(ctx, asUser("B"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.svc.CheckIn(ctx, identity.Principal{UserID: "A"}, a.Ticket.TicketNumber, ""); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("attendee self check-in err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.svc.CheckIn(ctx, organizer, b.Ticket.ID, ""); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("waitlisted check-in err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.CheckIn(ctx, organizer, a.Ticket.ID, "other-event"); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("wrong event check-in err = %v, want ErrInvalidState", err)
	}
	if _, err := f.svc.CheckIn(ctx, organizer, "NOPE-00000000", ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown ticket err = %v, want ErrNotFound", err)
	}

	tk, err := f.svc.CheckIn(ctx, organizer, a.Ticket.TicketNumber, e.ID)
	if err != nil || tk.Status != model.StatusCheckedIn {
		t.Fatalf("CheckIn = %+v, %v", tk, err)
	}
	reg, _ := f.store.GetRegistration(ctx, "A", e.ID)
	if reg.Status != model.StatusCheckedIn {
		t.Fatalf("registration status = %s", reg.Status)
	}

	snapshot := func() (model.Ticket, model.Registration, model.Event) {
		tk, _ := f.store.GetTicket(ctx, a.Ticket.ID)
		r, _ := f.store.GetRegistration(ctx, "A", e.ID)
		ev, _ := f.store.GetEvent(ctx, e.ID)
		return *tk, *r, *ev
	}
	t1, r1, e1 := snapshot()
	if _, err := f.svc.CheckIn(ctx, admin, a.Ticket.ID, ""); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("second check-in err = %v, want ErrInvalidState", err)
	}
	t2, r2, e2 := snapshot()
	if !reflect.DeepEqual(t1, t2) || !reflect.DeepEqual(r1, r2) || !reflect.DeepEqual(e1, e2) {
		t.Fatal("failed check-in mutated state")
	}

	if _, err := f.svc.Cancel(ctx, "A", e.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("cancel after check-in err = %v, want ErrInvalidState", err)
	}

	f.queue.Flush()
	p, _ := f.store.GetProfile(ctx, "A")
	if p.Points != 150 {
		t.Fatalf("points = %d, want 150", p.Points)
	}
	if f.hooks.count(model.HookTicketCheckedIn) != 1 {
		t.Fatalf("check-in webhooks = %d", f.hooks.count(model.HookTicketCheckedIn))
	}
}

func TestConcurrentCheckInSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 1})
	a, err := f.svc.Register(ctx, asUser("A"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	const n = 10
	var ok atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := f.svc.CheckIn(ctx, organizer, a.Ticket.ID, ""); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, model.ErrInvalidState) {
				t.Errorf("CheckIn: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("successful check-ins = %d, want 1", ok.Load())
	}
}

func TestFailingSideEffectsDoNotFailRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.hooks.err = errors.New("subscriber down")
	e := f.event(t, model.CreateEventRequest{Capacity: 3})

	res, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.queue.Flush()

	stored, err := f.store.GetRegistration(ctx, "u1", e.ID)
	if err != nil || stored.ID != res.Registration.ID || stored.Status != model.StatusConfirmed {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	// Webhook tasks are not retried by the queue.
	if f.hooks.count(model.HookRegistrationCreated) != 1 {
		t.Fatalf("webhook attempts = %d, want 1", f.hooks.count(model.HookRegistrationCreated))
	}
	p, _ := f.store.GetProfile(ctx, "u1")
	if p.Points != 50 {
		t.Fatalf("points = %d, want 50", p.Points)
	}
}

func TestPanickingSideEffectDoesNotFailRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.svc.webhooks = panicHooks{}
	e := f.event(t, model.CreateEventRequest{Capacity: 3})

	if _, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.queue.Flush()
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 1 {
		t.Fatalf("registered_count = %d", got.RegisteredCount)
	}
}

type panicHooks struct{}

func (panicHooks) Trigger(context.Context, string, string, any) error { panic("boom") }

func TestTicketNumberCollisionIsRetried(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	issuer := ticket.NewIssuer().WithNumberFunc(func(*model.Event) (string, error) {
		n := calls.Add(1)
		if n <= 2 {
			return "GOM-AAAAAAAA", nil
		}
		return fmt.Sprintf("GOM-%08d", n), nil
	})
	f := newFixture(t, issuer)
	e := f.event(t, model.CreateEventRequest{Capacity: 5})

	first, err := f.svc.Register(ctx, asUser("u1"), e.ID, model.RegisterRequest{})
	if err != nil || first.Ticket.TicketNumber != "GOM-AAAAAAAA" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := f.svc.Register(ctx, asUser("u2"), e.ID, model.RegisterRequest{})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if second.Ticket.TicketNumber == first.Ticket.TicketNumber {
		t.Fatal("ticket number reused")
	}
	if got := f.assertLedger(t, e.ID); got.RegisteredCount != 2 {
		t.Fatalf("registered_count = %d, want 2", got.RegisteredCount)
	}
}

func TestAdministrativeAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.event(t, model.CreateEventRequest{Capacity: 5})
	user := identity.Principal{UserID: "u1", Role: identity.RoleUser}

	if _, err := f.svc.AwardPoints(ctx, user, "u1", model.AwardPointsRequest{Amount: 10, Reason: "self"}); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("self award err = %v", err)
	}
	out, err := f.svc.AwardPoints(ctx, gateway, "u1", model.AwardPointsRequest{Amount: 10, Reason: "bonus"})
	if err != nil || out.Profile.Points != 10 {
		t.Fatalf("system award = %+v, %v", out, err)
	}
	if _, err := f.svc.CreateDiscountCode(ctx, gateway, model.CreateDiscountRequest{Code: "X", Type: model.DiscountFixed, Value: 1}); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("system discount err = %v", err)
	}
	if _, err := f.svc.TriggerChallengeProgress(ctx, user, "u2", model.ChallengeProgressRequest{Type: model.TriggerRegister}); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("foreign progress err = %v", err)
	}
	if _, err := f.svc.TriggerChallengeProgress(ctx, user, user.UserID, model.ChallengeProgressRequest{Type: model.TriggerRegister, Increment: 5}); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("self progress err = %v", err)
	}
	if _, err := f.svc.TriggerChallengeProgress(ctx, gateway, "u2", model.ChallengeProgressRequest{Type: model.TriggerRegister}); err != nil {
		t.Fatalf("system progress: %v", err)
	}
	if _, err := f.svc.ListRegistrations(ctx, user, e.ID); !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("list registrations err = %v", err)
	}
	if _, err := f.svc.ListRegistrations(ctx, organizer, e.ID); err != nil {
		t.Fatalf("organizer list registrations: %v", err)
	}
	if _, err := f.svc.UserSummary(ctx, user, "u1"); err != nil {
		t.Fatalf("own summary: %v", err)
	}
}

func TestCreateEventValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		req  model.CreateEventRequest
	}{
		{"missing title", model.CreateEventRequest{Title: " ", Capacity: 1}},
		{"zero capacity", model.CreateEventRequest{Title: "x", Capacity: 0}},
		{"huge capacity", model.CreateEventRequest{Title: "x", Capacity: 100_001}},
		{"duplicate tier", model.CreateEventRequest{Title: "x", Capacity: 5, Tiers: []model.CreateTierRequest{{Name: "A", Capacity: 1}, {Name: "A", Capacity: 1}}}},
		{"tiers exceed event", model.CreateEventRequest{Title: "x", Capacity: 2, Tiers: []model.CreateTierRequest{{Name: "A", Capacity: 3}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.CreateEvent(context.Background(), organizer, tt.req); !errors.Is(err, model.ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

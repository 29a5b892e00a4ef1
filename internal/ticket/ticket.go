// Package ticket issues tickets and generates their presentable numbers.
package ticket

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/repository"
)

// Crockford base32 without I, L, O and U so numbers survive being read aloud.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const suffixLen = 8

// NumberFunc produces a candidate ticket number for an event.
type NumberFunc func(event *model.Event) (string, error)

// Issuer creates tickets inside a caller's transaction.
type Issuer struct {
	number NumberFunc
	now    func() time.Time
}

// NewIssuer constructs an Issuer using RandomNumber.
func NewIssuer() *Issuer {
	return &Issuer{number: RandomNumber, now: time.Now}
}

// WithNumberFunc replaces the number generator.
func (i *Issuer) WithNumberFunc(fn NumberFunc) *Issuer {
	i.number = fn
	return i
}

// Prefix derives up to three upper-case letters or digits from the event
// title, falling back to the event ID and then to "EVT".
func Prefix(event *model.Event) string {
	for _, src := range []string{event.Title, event.ID} {
		var b strings.Builder
		for _, r := range strings.ToUpper(src) {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				b.WriteRune(r)
				if b.Len() == 3 {
					break
				}
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return "EVT"
}

// RandomNumber returns PREFIX-XXXXXXXX with a 40-bit random suffix.
func RandomNumber(event *model.Event) (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return Prefix(event) + "-" + string(buf), nil
}

// Price resolves the list price: the tier price if a tier is named, else the
// event base price.
func Price(event *model.Event, tierName string) int64 {
	if tierName != "" {
		if tier := event.Tier(tierName); tier != nil {
			return tier.PriceCents
		}
	}
	return event.PriceCents
}

// Issue creates a ticket for userID with the given initial status. A number
// collision surfaces as repository.ErrTicketNumberTaken, which is retryable;
// the ticket is never written over an existing one.
func (i *Issuer) Issue(ctx context.Context, tx repository.Tx, event *model.Event, userID, tierName string, status model.RegistrationStatus) (*model.Ticket, error) {
	number, err := i.number(event)
	if err != nil {
		return nil, fmt.Errorf("generate ticket number: %w", err)
	}
	t := &model.Ticket{
		ID:           uuid.New().String(),
		EventID:      event.ID,
		UserID:       userID,
		TicketNumber: number,
		Status:       status,
		PriceCents:   Price(event, tierName),
		PurchaseDate: i.now().UTC(),
	}
	if tierName != "" {
		t.TierName = &tierName
	}
	if err := tx.InsertTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("issue ticket: %w", err)
	}
	return t, nil
}

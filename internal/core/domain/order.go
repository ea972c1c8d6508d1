package domain

import (
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Order struct {
	OrderNo        string
	Ticket         TicketRef
	Quantity       int
	UnitPrice      Money
	TotalPrice     Money
	ContactName    string
	ContactPhone   string
	ContactIDCard  string
	IdempotencyKey string
	Status         OrderStatus
	CancelReason   string
	CreatedAt      time.Time
	PaidAt         *time.Time
	CancelledAt    *time.Time
	UpdatedAt      time.Time
}

const (
	OrderNoPrefix = "ORD"
	// MaxOrderNoAttempts bounds how often a ledger regenerates an order
	// number after a uniqueness clash.
	MaxOrderNoAttempts = 5
)

var orderNoPattern = regexp.MustCompile(`^ORD\d{14}[A-Z0-9]{6}$`)

// NewOrderNo returns "ORD" + yyyyMMddHHmmss + 6 upper-case hex digits.
// The suffix carries 24 random bits, so n orders created within the same
// second collide with probability of roughly n^2/2^25.
func NewOrderNo(now time.Time) string {
	id := uuid.New()
	return OrderNoPrefix + now.Format("20060102150405") + strings.ToUpper(hex.EncodeToString(id[:3]))
}

func ValidOrderNo(s string) bool {
	return orderNoPattern.MatchString(s)
}

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// ListFilter narrows an order listing. Zero values match everything.
type ListFilter struct {
	ContactPhone string
	Status       OrderStatus
	Limit        int
}

func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// ExpiryReason is recorded on orders cancelled by the sweeper.
const ExpiryReason = "expired: payment window elapsed"

package domain

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

type TicketType string

const (
	TicketTypeTrain   TicketType = "train"
	TicketTypeFlight  TicketType = "flight"
	TicketTypeConcert TicketType = "concert"
)

var TicketTypes = []TicketType{TicketTypeTrain, TicketTypeFlight, TicketTypeConcert}

func (t TicketType) Valid() bool {
	return slices.Contains(TicketTypes, t)
}

func ParseTicketType(s string) (TicketType, error) {
	t := TicketType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown ticket type %q", s)
	}
	return t, nil
}

// fareClasses lists the seat types, cabin types and concert tiers that are
// sold for each kind of ticket.
var fareClasses = map[TicketType][]string{
	TicketTypeTrain:   {"二等座", "一等座", "商务座"},
	TicketTypeFlight:  {"经济舱", "商务舱", "头等舱"},
	TicketTypeConcert: {"看台票", "内场票", "VIP票", "SVIP票"},
}

func FareClasses(t TicketType) []string {
	return slices.Clone(fareClasses[t])
}

func ValidFareClass(t TicketType, class string) bool {
	return slices.Contains(fareClasses[t], class)
}

// TicketRef identifies one inventory item.
type TicketRef struct {
	Type TicketType
	ID   int64
}

func (r TicketRef) String() string {
	return string(r.Type) + "/" + strconv.FormatInt(r.ID, 10)
}

// Details holds the fields that only one kind of ticket has.
type Details interface {
	TicketType() TicketType
}

type TrainDetails struct {
	TrainNumber   string `json:"train_number"`
	DepartureCity string `json:"departure_city"`
	ArrivalCity   string `json:"arrival_city"`
}

func (TrainDetails) TicketType() TicketType { return TicketTypeTrain }

type FlightDetails struct {
	FlightNumber  string `json:"flight_number"`
	DepartureCity string `json:"departure_city"`
	ArrivalCity   string `json:"arrival_city"`
}

func (FlightDetails) TicketType() TicketType { return TicketTypeFlight }

type ConcertDetails struct {
	Artist string `json:"artist"`
	City   string `json:"city"`
	Venue  string `json:"venue"`
}

func (ConcertDetails) TicketType() TicketType { return TicketTypeConcert }

// Item is a bookable unit of inventory: one train/flight/concert occurrence
// at one fare class.
type Item struct {
	Type           TicketType
	ID             int64
	FareClass      string
	StartsAt       time.Time
	EndsAt         time.Time
	TotalSeats     int
	RemainingSeats int
	Price          Money
	Details        Details
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i Item) Ref() TicketRef {
	return TicketRef{Type: i.Type, ID: i.ID}
}

// Validate checks the shape of an item before it is written to a store.
func (i Item) Validate() error {
	if !i.Type.Valid() {
		return fmt.Errorf("unknown ticket type %q", i.Type)
	}
	if i.Details == nil || i.Details.TicketType() != i.Type {
		return fmt.Errorf("details do not match ticket type %s", i.Type)
	}
	if i.TotalSeats < 0 || i.RemainingSeats < 0 || i.RemainingSeats > i.TotalSeats {
		return fmt.Errorf("seats out of range: remaining=%d total=%d", i.RemainingSeats, i.TotalSeats)
	}
	if i.Price < 0 {
		return fmt.Errorf("negative price %s", i.Price)
	}
	if !i.EndsAt.IsZero() && i.EndsAt.Before(i.StartsAt) {
		return fmt.Errorf("ends_at before starts_at")
	}
	return nil
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 200
)

// SearchFilter narrows an inventory search. Empty fields match anything.
// DepartureCity/ArrivalCity apply to trains and flights, City/Artist to
// concerts. Date is YYYY-MM-DD and matches the day of StartsAt.
type SearchFilter struct {
	DepartureCity  string
	ArrivalCity    string
	City           string
	Artist         string
	Date           string
	FareClass      string
	IncludeSoldOut bool
	Limit          int
}

func (f SearchFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return f.Limit
	}
}

package handler

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
)

// BookingInput is the booking request body on both transports.
type BookingInput struct {
	TicketType     string `json:"ticket_type" validate:"required,tickettype"`
	TicketID       int64  `json:"ticket_id" validate:"gt=0"`
	Quantity       int    `json:"quantity" validate:"gte=1"`
	ContactName    string `json:"contact_name" validate:"required,personname"`
	ContactPhone   string `json:"contact_phone" validate:"required,cnphone"`
	ContactIDCard  string `json:"contact_id_card,omitempty" validate:"omitempty,idcard"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=64"`
}

func (in BookingInput) request() service.BookingRequest {
	return service.BookingRequest{
		Ticket:         domain.TicketRef{Type: domain.TicketType(in.TicketType), ID: in.TicketID},
		Quantity:       in.Quantity,
		ContactName:    strings.TrimSpace(in.ContactName),
		ContactPhone:   in.ContactPhone,
		ContactIDCard:  strings.ToUpper(in.ContactIDCard),
		IdempotencyKey: in.IdempotencyKey,
	}
}

type BookingView struct {
	Success    bool               `json:"success"`
	OrderNo    string             `json:"order_no"`
	TotalPrice domain.Money       `json:"total_price"`
	Status     domain.OrderStatus `json:"status"`
}

type OrderView struct {
	OrderNo      string             `json:"order_no"`
	TicketType   domain.TicketType  `json:"ticket_type"`
	TicketID     int64              `json:"ticket_id"`
	Quantity     int                `json:"quantity"`
	UnitPrice    domain.Money       `json:"unit_price"`
	TotalPrice   domain.Money       `json:"total_price"`
	ContactName  string             `json:"contact_name"`
	ContactPhone string             `json:"contact_phone"`
	Status       domain.OrderStatus `json:"status"`
	CancelReason string             `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	PaidAt       *time.Time         `json:"paid_at,omitempty"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
}

func orderView(o domain.Order) OrderView {
	return OrderView{
		OrderNo:      o.OrderNo,
		TicketType:   o.Ticket.Type,
		TicketID:     o.Ticket.ID,
		Quantity:     o.Quantity,
		UnitPrice:    o.UnitPrice,
		TotalPrice:   o.TotalPrice,
		ContactName:  o.ContactName,
		ContactPhone: o.ContactPhone,
		Status:       o.Status,
		CancelReason: o.CancelReason,
		CreatedAt:    o.CreatedAt,
		PaidAt:       o.PaidAt,
		CancelledAt:  o.CancelledAt,
	}
}

func orderViews(orders []domain.Order) []OrderView {
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView(o))
	}
	return out
}

type TicketView struct {
	Type           domain.TicketType `json:"type"`
	ID             int64             `json:"id"`
	FareClass      string            `json:"fare_class"`
	StartsAt       time.Time         `json:"starts_at"`
	EndsAt         time.Time         `json:"ends_at"`
	TotalSeats     int               `json:"total_seats"`
	RemainingSeats int               `json:"remaining_seats"`
	Price          domain.Money      `json:"price"`
	Details        domain.Details    `json:"details"`
}

func ticketView(i domain.Item) TicketView {
	return TicketView{
		Type:           i.Type,
		ID:             i.ID,
		FareClass:      i.FareClass,
		StartsAt:       i.StartsAt,
		EndsAt:         i.EndsAt,
		TotalSeats:     i.TotalSeats,
		RemainingSeats: i.RemainingSeats,
		Price:          i.Price,
		Details:        i.Details,
	}
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeValidation marks a request rejected before it reached the coordinator.
const CodeValidation = "INVALID_REQUEST"

var errInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

var (
	phonePattern   = regexp.MustCompile(`^1[3-9]\d{9}$`)
	idCardPattern  = regexp.MustCompile(`^\d{17}[\dXx]$`)
	badNameChars   = regexp.MustCompile(`[0-9@#$%^&*()+=\[\]{}|\\/<>]`)
	idCardWeights  = [17]int{7, 9, 10, 5, 8, 4, 2, 1, 6, 3, 7, 9, 10, 5, 8, 4, 2}
	idCardCheckSum = "10X98765432"
)

func validPhone(s string) bool { return phonePattern.MatchString(s) }

// validIDCard checks an 18 digit resident ID including its ISO 7064
// MOD 11-2 check character.
func validIDCard(s string) bool {
	if !idCardPattern.MatchString(s) {
		return false
	}
	sum := 0
	for i, w := range idCardWeights {
		sum += int(s[i]-'0') * w
	}
	return strings.ToUpper(s[17:]) == string(idCardCheckSum[sum%11])
}

func validName(s string) bool {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	return n >= 2 && n <= 20 && !badNameChars.MatchString(s)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	str := func(fn func(string) bool) validator.Func {
		return func(fl validator.FieldLevel) bool { return fn(fl.Field().String()) }
	}
	for tag, fn := range map[string]validator.Func{
		"cnphone":    str(validPhone),
		"idcard":     str(validIDCard),
		"personname": str(validName),
		"tickettype": str(func(s string) bool { return domain.TicketType(s).Valid() }),
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	return v
}

func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalid("%v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return invalid("%s", strings.Join(fields, "; "))
}

func parseOrderNo(s string) (string, error) {
	if !domain.ValidOrderNo(s) {
		return "", invalid("malformed order number %q", s)
	}
	return s, nil
}

// publicMessage hides storage and invariant details from callers.
func publicMessage(err error) string {
	switch domain.Code(err) {
	case domain.CodeDataAccessFailure:
		return "storage temporarily unavailable, retry later"
	case domain.CodeInvariantViolation:
		return "order could not be settled, operators have been alerted"
	case domain.CodeInternal:
		if errors.Is(err, errInvalidRequest) {
			return err.Error()
		}
		return "internal error"
	default:
		return err.Error()
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

const ReservationServiceName = "tickets.v1.ReservationService"

// JSONCodec carries the plain Go request and response structs over gRPC.
// Clients select it with grpc.CallContentSubtype("json").
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

type OrderRequest struct {
	OrderNo string `json:"order_no"`
}

type CancelRequest struct {
	OrderNo string `json:"order_no"`
	Reason  string `json:"reason" validate:"max=255"`
}

type ListOrdersRequest struct {
	ContactPhone string `json:"contact_phone" validate:"omitempty,cnphone"`
	Status       string `json:"status"`
	Limit        int    `json:"limit" validate:"gte=0"`
}

type ListOrdersResponse struct {
	Orders []OrderView `json:"orders"`
}

type ReservationServer interface {
	Book(ctx context.Context, req *BookingInput) (*BookingView, error)
	GetOrder(ctx context.Context, req *OrderRequest) (*OrderView, error)
	CancelOrder(ctx context.Context, req *CancelRequest) (*OrderView, error)
	ConfirmPayment(ctx context.Context, req *OrderRequest) (*OrderView, error)
	CompleteOrder(ctx context.Context, req *OrderRequest) (*OrderView, error)
	ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error)
}

type GRPCHandler struct {
	svc    ReservationService
	logger *slog.Logger
}

func NewGRPCHandler(svc ReservationService, logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHandler{svc: svc, logger: logger}
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&reservationServiceDesc, srv)
}

func (h *GRPCHandler) Book(ctx context.Context, req *BookingInput) (*BookingView, error) {
	if err := validateInput(req); err != nil {
		return nil, h.toStatus(err)
	}
	res, err := h.svc.Book(ctx, req.request())
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &BookingView{Success: true, OrderNo: res.OrderNo, TotalPrice: res.TotalPrice, Status: res.Status}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderRequest) (*OrderView, error) {
	return h.orderCall(ctx, req.OrderNo, h.svc.GetOrder)
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *CancelRequest) (*OrderView, error) {
	if err := validateInput(req); err != nil {
		return nil, h.toStatus(err)
	}
	return h.orderCall(ctx, req.OrderNo, func(ctx context.Context, no string) (domain.Order, error) {
		return h.svc.Cancel(ctx, no, req.Reason)
	})
}

func (h *GRPCHandler) ConfirmPayment(ctx context.Context, req *OrderRequest) (*OrderView, error) {
	return h.orderCall(ctx, req.OrderNo, h.svc.ConfirmPayment)
}

func (h *GRPCHandler) CompleteOrder(ctx context.Context, req *OrderRequest) (*OrderView, error) {
	return h.orderCall(ctx, req.OrderNo, h.svc.Complete)
}

func (h *GRPCHandler) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if err := validateInput(req); err != nil {
		return nil, h.toStatus(err)
	}
	filter := domain.ListFilter{ContactPhone: req.ContactPhone, Limit: req.Limit}
	if req.Status != "" {
		st, err := domain.ParseOrderStatus(req.Status)
		if err != nil {
			return nil, h.toStatus(invalid("%v", err))
		}
		filter.Status = st
	}
	orders, err := h.svc.ListOrders(ctx, filter)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListOrdersResponse{Orders: orderViews(orders)}, nil
}

func (h *GRPCHandler) orderCall(ctx context.Context, orderNo string, fn func(context.Context, string) (domain.Order, error)) (*OrderView, error) {
	no, err := parseOrderNo(orderNo)
	if err != nil {
		return nil, h.toStatus(err)
	}
	order, err := fn(ctx, no)
	if err != nil {
		return nil, h.toStatus(err)
	}
	view := orderView(order)
	return &view, nil
}

func grpcCode(err error) codes.Code {
	if errors.Is(err, errInvalidRequest) {
		return codes.InvalidArgument
	}
	switch domain.Code(err) {
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeInsufficientInventory:
		return codes.ResourceExhausted
	case domain.CodeQuantityExceeded:
		return codes.InvalidArgument
	case domain.CodeInvalidTransition:
		return codes.FailedPrecondition
	case domain.CodeDuplicateRequest:
		return codes.AlreadyExists
	case domain.CodeDataAccessFailure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (h *GRPCHandler) toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal || code == codes.Unavailable {
		h.logger.Error("rpc failed", slog.String("code", code.String()), slog.Any("error", err))
	}
	return status.Error(code, publicMessage(err))
}

// UnaryLogger logs every call with its outcome and latency.
func UnaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Info("rpc",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("took", time.Since(start)))
		return resp, err
	}
}

func unary[Req, Resp any](name string, call func(ReservationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ReservationServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServer), ctx, req.(*Req))
			})
		},
	}
}

var reservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ReservationServiceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Book", ReservationServer.Book),
		unary("GetOrder", ReservationServer.GetOrder),
		unary("CancelOrder", ReservationServer.CancelOrder),
		unary("ConfirmPayment", ReservationServer.ConfirmPayment),
		unary("CompleteOrder", ReservationServer.CompleteOrder),
		unary("ListOrders", ReservationServer.ListOrders),
	},
	Streams: []grpc.StreamDesc{},
}

// ReservationClient calls ReservationService with the JSON codec.
type ReservationClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationClient(cc grpc.ClientConnInterface) *ReservationClient {
	return &ReservationClient{cc: cc}
}

func invoke[Out any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any) (*Out, error) {
	out := new(Out)
	err := cc.Invoke(ctx, "/"+ReservationServiceName+"/"+method, in, out, grpc.CallContentSubtype(JSONCodec{}.Name()))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) Book(ctx context.Context, in *BookingInput) (*BookingView, error) {
	return invoke[BookingView](ctx, c.cc, "Book", in)
}

func (c *ReservationClient) GetOrder(ctx context.Context, in *OrderRequest) (*OrderView, error) {
	return invoke[OrderView](ctx, c.cc, "GetOrder", in)
}

func (c *ReservationClient) CancelOrder(ctx context.Context, in *CancelRequest) (*OrderView, error) {
	return invoke[OrderView](ctx, c.cc, "CancelOrder", in)
}

func (c *ReservationClient) ConfirmPayment(ctx context.Context, in *OrderRequest) (*OrderView, error) {
	return invoke[OrderView](ctx, c.cc, "ConfirmPayment", in)
}

func (c *ReservationClient) CompleteOrder(ctx context.Context, in *OrderRequest) (*OrderView, error) {
	return invoke[OrderView](ctx, c.cc, "CompleteOrder", in)
}

func (c *ReservationClient) ListOrders(ctx context.Context, in *ListOrdersRequest) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, "ListOrders", in)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/core/service"
)

const (
	// JSONCodecName is the content subtype clients must request ("application/grpc+json").
	JSONCodecName = "json"

	storeMetadataKey       = "x-store-id"
	idempotencyMetadataKey = "idempotency-key"
	errorDomain            = "sales.v1"

	submitOrderMethod = "/sales.v1.SaleService/SubmitOrder"
	getOrderMethod    = "/sales.v1.SaleService/GetOrder"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type SubmitOrderRequest struct {
	CustomerRef string                  `json:"customerRef"`
	Items       []domain.SubmissionItem `json:"items"`
}

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

// SaleServiceServer is the server API of sales.v1.SaleService.
type SaleServiceServer interface {
	SubmitOrder(context.Context, *SubmitOrderRequest) (*domain.Order, error)
	GetOrder(context.Context, *GetOrderRequest) (*domain.Order, error)
}

var SaleServiceDesc = grpc.ServiceDesc{
	ServiceName: "sales.v1.SaleService",
	HandlerType: (*SaleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitOrder", Handler: submitOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterSaleServiceServer(s grpc.ServiceRegistrar, srv SaleServiceServer) {
	s.RegisterService(&SaleServiceDesc, srv)
}

func submitOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaleServiceServer).SubmitOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaleServiceServer).SubmitOrder(ctx, req.(*SubmitOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaleServiceServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaleServiceServer).GetOrder(ctx, req.(*GetOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// SaleServiceClient calls sales.v1.SaleService with the JSON codec.
type SaleServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSaleServiceClient(cc grpc.ClientConnInterface) *SaleServiceClient {
	return &SaleServiceClient{cc: cc}
}

func (c *SaleServiceClient) SubmitOrder(ctx context.Context, in *SubmitOrderRequest, opts ...grpc.CallOption) (*domain.Order, error) {
	out := new(domain.Order)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, submitOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SaleServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*domain.Order, error) {
	out := new(domain.Order)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	orders       *service.FulfillmentService
	defaultStore string
	logger       *zap.Logger
}

func NewGRPCHandler(orders *service.FulfillmentService, defaultStore string, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{orders: orders, defaultStore: defaultStore, logger: logger}
}

func (h *GRPCHandler) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*domain.Order, error) {
	order, err := h.orders.SubmitOrder(ctx, domain.Submission{
		StoreID:        h.metadataValue(ctx, storeMetadataKey, h.defaultStore),
		CustomerRef:    req.CustomerRef,
		IdempotencyKey: h.metadataValue(ctx, idempotencyMetadataKey, ""),
		Items:          req.Items,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return order, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*domain.Order, error) {
	order, err := h.orders.GetOrder(ctx, h.metadataValue(ctx, storeMetadataKey, h.defaultStore), req.OrderID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return order, nil
}

// UnaryLogger logs one line per call.
func (h *GRPCHandler) UnaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	h.logger.Info("grpc request",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, err
}

func (h *GRPCHandler) metadataValue(ctx context.Context, key, def string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return def
	}
	if v := md.Get(key); len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return def
}

func (h *GRPCHandler) toStatus(err error) error {
	var shortage *domain.InsufficientStockError
	if errors.As(err, &shortage) {
		st := status.New(codes.Aborted, shortage.Error())
		detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: "INSUFFICIENT_STOCK",
			Domain: errorDomain,
			Metadata: map[string]string{
				"productId": shortage.ProductID,
				"available": strconv.Itoa(shortage.Available),
				"requested": strconv.Itoa(shortage.Requested),
			},
		})
		if derr != nil {
			return st.Err()
		}
		return detailed.Err()
	}

	switch {
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, err.Error())
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	default:
		h.logger.Error("grpc request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

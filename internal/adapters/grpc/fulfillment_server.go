package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"orderflow/internal/orders"
	"orderflow/internal/saga"
)

// Service and method names served over the generic Struct codec.
const (
	FulfillmentServiceName          = "orderflow.v1.FulfillmentService"
	FulfillmentRunOrderFullMethod   = "/" + FulfillmentServiceName + "/RunOrder"
	FulfillmentGetRunFullMethod     = "/" + FulfillmentServiceName + "/GetRun"
	fulfillmentServiceMetadataLabel = "orderflow/v1/fulfillment"
)

// FulfillmentService defines the behavior needed by the gRPC adapter.
type FulfillmentService interface {
	Run(ctx context.Context, order orders.Order, deadline time.Time) (orders.Outcome, error)
}

// RunReader looks up the latest run for an order.
type RunReader interface {
	Latest(ctx context.Context, orderID string) (*saga.Run, error)
}

// FulfillmentServiceServer is the server API for FulfillmentService.
type FulfillmentServiceServer interface {
	RunOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// FulfillmentServer adapts the orchestrator to gRPC.
type FulfillmentServer struct {
	service  FulfillmentService
	runs     RunReader
	maxItems int
	now      func() time.Time
}

// NewFulfillmentServer constructs a FulfillmentServer. runs may be nil, in which case
// GetRun reports Unimplemented.
func NewFulfillmentServer(svc FulfillmentService, runs RunReader, maxItems int) *FulfillmentServer {
	return &FulfillmentServer{service: svc, runs: runs, maxItems: maxItems, now: time.Now}
}

// RunOrder decodes the order payload, runs the saga and returns the terminal outcome.
func (s *FulfillmentServer) RunOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	order, deadline, err := s.decodeOrder(req)
	if err != nil {
		return nil, mapOrderError(err)
	}
	out, err := s.service.Run(ctx, order, deadline)
	if err != nil {
		return nil, outcomeError(err, out)
	}
	return outcomeStruct(out)
}

// GetRun returns the latest recorded run for {"order_id": ...}.
func (s *FulfillmentServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.runs == nil {
		return nil, status.Error(codes.Unimplemented, "run lookup not configured")
	}
	orderID := strings.TrimSpace(stringField(req, "order_id"))
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	run, err := s.runs.Latest(ctx, orderID)
	if err != nil {
		return nil, mapOrderError(err)
	}
	out, err := outcomeStruct(orders.OutcomeFromRun(run))
	if err != nil {
		return nil, err
	}
	out.Fields["state"] = structpb.NewStringValue(string(run.State))
	return out, nil
}

func (s *FulfillmentServer) decodeOrder(req *structpb.Struct) (orders.Order, time.Time, error) {
	if req == nil {
		return orders.Order{}, time.Time{}, fmt.Errorf("%w: empty request", orders.ErrInvalidOrder)
	}
	taxRate, err := decimalField(req.Fields["tax_rate"])
	if err != nil {
		return orders.Order{}, time.Time{}, fmt.Errorf("%w: tax_rate: %v", orders.ErrInvalidOrder, err)
	}

	var items []orders.LineItem
	if list := req.Fields["items"].GetListValue(); list != nil {
		for i, v := range list.GetValues() {
			fields := v.GetStructValue()
			if fields == nil {
				return orders.Order{}, time.Time{}, fmt.Errorf("%w: line %d is not an object", orders.ErrInvalidOrder, i)
			}
			price, err := decimalField(fields.Fields["unit_price"])
			if err != nil {
				return orders.Order{}, time.Time{}, fmt.Errorf("%w: line %d unit_price: %v", orders.ErrInvalidOrder, i, err)
			}
			qty := fields.Fields["quantity"].GetNumberValue()
			if qty != float64(int64(qty)) {
				return orders.Order{}, time.Time{}, fmt.Errorf("%w: line %d quantity must be a whole number", orders.ErrInvalidOrder, i)
			}
			items = append(items, orders.LineItem{
				SKU:       stringField(fields, "sku"),
				Quantity:  int64(qty),
				UnitPrice: price,
			})
		}
	}

	order, err := orders.NewOrder(
		stringField(req, "order_id"),
		stringField(req, "customer_ref"),
		stringField(req, "currency"),
		taxRate,
		items,
		s.maxItems,
	)
	if err != nil {
		return orders.Order{}, time.Time{}, err
	}

	var deadline time.Time
	if raw := strings.TrimSpace(stringField(req, "deadline")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			deadline = s.now().Add(d)
		} else if deadline, err = time.Parse(time.RFC3339, raw); err != nil {
			return orders.Order{}, time.Time{}, fmt.Errorf("%w: deadline must be a duration or RFC3339 time", orders.ErrInvalidOrder)
		}
	}
	return order, deadline, nil
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.Fields[name].GetStringValue()
}

// decimalField accepts numbers and decimal strings. Strings keep exact precision.
func decimalField(v *structpb.Value) (decimal.Decimal, error) {
	switch kind := v.GetKind().(type) {
	case nil:
		return decimal.Zero, nil
	case *structpb.Value_StringValue:
		return decimal.NewFromString(strings.TrimSpace(kind.StringValue))
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(kind.NumberValue), nil
	default:
		return decimal.Zero, errors.New("must be a number or decimal string")
	}
}

func outcomeStruct(out orders.Outcome) (*structpb.Struct, error) {
	fields := map[string]any{
		"status":   string(out.Status),
		"order_id": out.OrderID,
		"run_id":   out.RunID,
		"epoch":    out.Epoch,
		"replayed": out.Replayed,
	}
	optional := map[string]string{
		"draft_order_id": out.DraftOrderID,
		"invoice_id":     out.InvoiceID,
		"reason":         out.Reason,
		"failed_step":    out.FailedStep,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if len(out.FailedSteps) > 0 {
		fields["failed_steps"] = stringList(out.FailedSteps)
	}
	if len(out.ReversedSteps) > 0 {
		fields["reversed_steps"] = stringList(out.ReversedSteps)
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// outcomeError maps err and, when a run was recorded, attaches its outcome as a
// status detail. Steps needing reconciliation are also named in the message.
func outcomeError(err error, out orders.Outcome) error {
	mapped := mapOrderError(err)
	if out.RunID == "" {
		return mapped
	}
	st := status.Convert(mapped)
	msg := st.Message()
	if len(out.FailedSteps) > 0 {
		msg += "; needs reconciliation: " + strings.Join(out.FailedSteps, ", ")
	}
	detail, derr := outcomeStruct(out)
	if derr != nil {
		return status.Error(st.Code(), msg)
	}
	withDetail, derr := status.New(st.Code(), msg).WithDetails(detail)
	if derr != nil {
		return status.Error(st.Code(), msg)
	}
	return withDetail.Err()
}

// OutcomeFromError returns the run outcome attached to a RunOrder error, if any.
func OutcomeFromError(err error) (*structpb.Struct, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, d := range st.Details() {
		if out, ok := d.(*structpb.Struct); ok {
			return out, true
		}
	}
	return nil, false
}

func mapOrderError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, orders.ErrInvalidOrder) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, orders.ErrReconciliationRequired) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if errors.Is(err, saga.ErrRunNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// RegisterFulfillmentServiceServer registers srv on s.
func RegisterFulfillmentServiceServer(s grpcpkg.ServiceRegistrar, srv FulfillmentServiceServer) {
	s.RegisterService(&FulfillmentServiceDesc, srv)
}

// FulfillmentServiceDesc describes FulfillmentService. Requests and responses are
// google.protobuf.Struct so no generated stubs are needed.
var FulfillmentServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: FulfillmentServiceName,
	HandlerType: (*FulfillmentServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "RunOrder", Handler: runOrderHandler},
		{MethodName: "GetRun", Handler: getRunHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: fulfillmentServiceMetadataLabel,
}

func runOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FulfillmentServiceServer).RunOrder(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: FulfillmentRunOrderFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FulfillmentServiceServer).RunOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FulfillmentServiceServer).GetRun(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: FulfillmentGetRunFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FulfillmentServiceServer).GetRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// FulfillmentClient calls FulfillmentService over conn.
type FulfillmentClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewFulfillmentClient constructs a FulfillmentClient.
func NewFulfillmentClient(cc grpcpkg.ClientConnInterface) *FulfillmentClient {
	return &FulfillmentClient{cc: cc}
}

func (c *FulfillmentClient) RunOrder(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FulfillmentRunOrderFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FulfillmentClient) GetRun(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FulfillmentGetRunFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

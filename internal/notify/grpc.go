package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frommybrain/fatebox/internal/oracle"
)

var log = slog.Default()

// ============================================================================
// Service definition
// ============================================================================

const (
	ServiceName        = "fatebox.v1.RefundNotifier"
	NotifyRefundMethod = "/" + ServiceName + "/NotifyRefund"
)

// RefundNotifierServer is the server side of the refund RPC.
type RefundNotifierServer interface {
	NotifyRefund(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterRefundNotifierServer registers srv on s.
func RegisterRefundNotifierServer(s grpc.ServiceRegistrar, srv RefundNotifierServer) {
	s.RegisterService(&RefundNotifierServiceDesc, srv)
}

func notifyRefundHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RefundNotifierServer).NotifyRefund(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NotifyRefundMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RefundNotifierServer).NotifyRefund(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RefundNotifierServiceDesc describes the refund service for grpc.Server.
var RefundNotifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RefundNotifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NotifyRefund", Handler: notifyRefundHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fatebox/v1/refund.proto",
}

// ============================================================================
// Client
// ============================================================================

// DefaultTimeout bounds a single notification.
const DefaultTimeout = 5 * time.Second

// GRPCSink sends refund notifications over gRPC.
type GRPCSink struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to addr. Without options the connection is plaintext.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCSink, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial refund notifier %s: %w", addr, err)
	}
	return NewGRPCSink(conn, timeout), nil
}

// NewGRPCSink wraps an existing connection.
func NewGRPCSink(conn *grpc.ClientConn, timeout time.Duration) *GRPCSink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GRPCSink{conn: conn, timeout: timeout}
}

// NotifyRefund sends r and waits for the acknowledgement.
func (s *GRPCSink) NotifyRefund(ctx context.Context, r Refund) error {
	req, err := ToStruct(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.conn.Invoke(ctx, NotifyRefundMethod, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("notify refund box %d: %w", r.BoxID, oracle.Classify(err))
	}
	log.Debug("refund notification sent", "boxID", r.BoxID, "owner", r.Owner)
	return nil
}

// Close closes the underlying connection.
func (s *GRPCSink) Close() error {
	return s.conn.Close()
}

// ============================================================================
// LogSink
// ============================================================================

// LogSink only logs notifications. Used when no notifier address is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) NotifyRefund(_ context.Context, r Refund) error {
	l := s.Logger
	if l == nil {
		l = log
	}
	l.Warn("refund notifier not configured; box needs manual refund",
		"boxID", r.BoxID, "owner", r.Owner, "reason", r.FailureReason)
	return nil
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frommybrain/fatebox/internal/notify"
	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

// RefundRecord is a refund notification as received.
type RefundRecord struct {
	notify.Refund
	ReceivedAt time.Time
	Duplicates int // repeated notifications for the same box
}

// Server implements the RefundNotifier gRPC service. It records one refund
// per box; repeated notifications are acknowledged and counted.
type Server struct {
	mu      sync.RWMutex
	refunds map[types.BoxID]*RefundRecord
	now     func() time.Time
	onNew   func(notify.Refund)
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// OnRefund is called once per newly recorded box.
func OnRefund(fn func(notify.Refund)) Option {
	return func(s *Server) { s.onNew = fn }
}

// NewServer creates a new refund receiver.
func NewServer(opts ...Option) *Server {
	s := &Server{
		refunds: make(map[types.BoxID]*RefundRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotifyRefund handles the refund RPC.
func (s *Server) NotifyRefund(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r, err := notify.FromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid refund: %v", err)
	}
	if r.Owner.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "invalid refund: owner is required")
	}

	s.mu.Lock()
	if existing, ok := s.refunds[r.BoxID]; ok {
		existing.Duplicates++
		s.mu.Unlock()
		log.Debug("duplicate refund notification", "boxID", r.BoxID)
		return &emptypb.Empty{}, nil
	}
	s.refunds[r.BoxID] = &RefundRecord{Refund: r, ReceivedAt: s.now()}
	onNew := s.onNew
	s.mu.Unlock()

	log.Info("refund recorded", "boxID", r.BoxID, "owner", r.Owner, "reason", r.FailureReason)
	if onNew != nil {
		onNew(r)
	}
	return &emptypb.Empty{}, nil
}

// Get returns the record for id.
func (s *Server) Get(id types.BoxID) (RefundRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	if !ok {
		return RefundRecord{}, false
	}
	return *r, true
}

// Refunds returns every record ordered by box ID.
func (s *Server) Refunds() []RefundRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RefundRecord, 0, len(s.refunds))
	for _, r := range s.refunds {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoxID < out[j].BoxID })
	return out
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	notify.RegisterRefundNotifierServer(g, s)
}

// Serve runs a gRPC server for s on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, s *Server, opts ...grpc.ServerOption) error {
	g := grpc.NewServer(opts...)
	s.Register(g)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	log.Info("refund receiver listening", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Package adminrpc is the operator gRPC API: balance inspection and
// adjustment, generation lookup, accounting exceptions, and manual outcome
// reports for generations the provider never resolved.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code. Field names are snake_case in both directions.
package adminrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/reconciler"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "klingbot.admin.v1.AdminService"

const maxListLimit = 500

// AdminServer is the server API of the admin service.
type AdminServer interface {
	GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Credit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Debit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetGeneration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListGenerations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAccountingExceptions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReportOutcome(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SyncBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type method func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, m method) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return m(srv.(AdminServer), ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", AdminServer.GetBalance)},
		{MethodName: "Credit", Handler: unaryHandler("Credit", AdminServer.Credit)},
		{MethodName: "Debit", Handler: unaryHandler("Debit", AdminServer.Debit)},
		{MethodName: "GetGeneration", Handler: unaryHandler("GetGeneration", AdminServer.GetGeneration)},
		{MethodName: "ListGenerations", Handler: unaryHandler("ListGenerations", AdminServer.ListGenerations)},
		{MethodName: "ListAccountingExceptions", Handler: unaryHandler("ListAccountingExceptions", AdminServer.ListAccountingExceptions)},
		{MethodName: "ReportOutcome", Handler: unaryHandler("ReportOutcome", AdminServer.ReportOutcome)},
		{MethodName: "SyncBalance", Handler: unaryHandler("SyncBalance", AdminServer.SyncBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "klingbot/admin/v1/admin.proto",
}

// Register adds the admin service to s.
func Register(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Transitioner applies an outcome to a generation.
type Transitioner interface {
	Transition(ctx context.Context, generationID string, outcome reconciler.Outcome) (reconciler.Effect, error)
}

// BalanceSyncer copies a user's authoritative balance into the cache.
type BalanceSyncer interface {
	SyncUser(ctx context.Context, userID int64) (int64, error)
}

// Deps are the collaborators of a Service. Syncer may be nil when balances
// are not cached.
type Deps struct {
	Ledger      ledger.Ledger
	Generations generation.Store
	Exceptions  generation.ExceptionStore
	Reconciler  Transitioner
	Syncer      BalanceSyncer
	Logger      zerolog.Logger
}

// Service implements AdminServer.
type Service struct {
	deps Deps
	log  zerolog.Logger
}

// NewService creates the admin service.
func NewService(deps Deps) *Service {
	return &Service{
		deps: deps,
		log:  deps.Logger.With().Str("component", "admin_service").Logger(),
	}
}

var _ AdminServer = (*Service)(nil)

func (s *Service) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requireUserID(req)
	if err != nil {
		return nil, err
	}
	balance, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		return nil, toStatus(err, "failed to get balance")
	}
	return newStruct(map[string]interface{}{"user_id": userID, "balance": balance})
}

// Credit adds tokens as a top-up. A repeated reference is applied once.
func (s *Service) Credit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.move(ctx, req, ledger.KindTopUp, s.deps.Ledger.Credit)
}

// Debit removes tokens as a manual adjustment.
func (s *Service) Debit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.move(ctx, req, ledger.KindAdjustment, s.deps.Ledger.Debit)
}

func (s *Service) move(ctx context.Context, req *structpb.Struct, kind ledger.Kind,
	apply func(context.Context, int64, int64, ledger.Reference) (int64, error)) (*structpb.Struct, error) {
	userID, err := requireUserID(req)
	if err != nil {
		return nil, err
	}
	amount := int64(number(req, "amount"))
	if amount <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "amount must be positive")
	}
	ref := ledger.Reference{
		Kind:        kind,
		ID:          str(req, "reference"),
		Description: str(req, "reason"),
	}
	if ref.ID == "" {
		ref.ID = uuid.New().String()
	}

	balance, err := apply(ctx, userID, amount, ref)
	if err != nil {
		return nil, toStatus(err, "failed to apply "+string(kind))
	}
	s.log.Info().
		Int64("user_id", userID).
		Int64("amount", amount).
		Str("kind", string(kind)).
		Str("reference", ref.ID).
		Int64("balance", balance).
		Msg("Manual balance change")
	return newStruct(map[string]interface{}{"user_id": userID, "balance": balance, "reference": ref.ID})
}

func (s *Service) GetGeneration(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "id")
	if id == "" {
		return nil, status.Errorf(codes.InvalidArgument, "id is required")
	}
	rec, err := s.deps.Generations.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err, "failed to get generation")
	}
	return toStruct(rec)
}

func (s *Service) ListGenerations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := listLimit(req)
	var (
		records []*generation.Record
		err     error
	)
	if userID := int64(number(req, "user_id")); userID > 0 {
		records, err = s.deps.Generations.ListByUser(ctx, userID, limit)
	} else {
		records, err = s.deps.Generations.ListPending(ctx, limit)
	}
	if err != nil {
		return nil, toStatus(err, "failed to list generations")
	}
	if records == nil {
		records = []*generation.Record{}
	}
	return toStruct(map[string]interface{}{"generations": records})
}

func (s *Service) ListAccountingExceptions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Exceptions == nil {
		return nil, status.Errorf(codes.Unimplemented, "accounting exceptions are not stored")
	}
	excs, err := s.deps.Exceptions.ListExceptions(ctx, listLimit(req))
	if err != nil {
		return nil, toStatus(err, "failed to list accounting exceptions")
	}
	if excs == nil {
		excs = []generation.AccountingException{}
	}
	return toStruct(map[string]interface{}{"exceptions": excs})
}

// ReportOutcome resolves a generation by hand. It goes through the same
// transition as the poller and webhook, so refunds and re-debits happen at
// most once.
func (s *Service) ReportOutcome(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "id")
	if id == "" {
		return nil, status.Errorf(codes.InvalidArgument, "id is required")
	}

	var outcome reconciler.Outcome
	switch state := str(req, "state"); state {
	case "success":
		url := str(req, "result_url")
		if url == "" {
			return nil, status.Errorf(codes.InvalidArgument, "result_url is required for success")
		}
		outcome = reconciler.Success{ResultURL: url}
	case "fail":
		outcome = reconciler.Fail{Reason: str(req, "reason")}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "state must be success or fail, got %q", state)
	}

	effect, err := s.deps.Reconciler.Transition(reconciler.WithSource(ctx, reconciler.SourceAdmin), id, outcome)
	if err != nil {
		return nil, toStatus(err, "failed to apply outcome")
	}
	s.log.Info().Str("generation_id", id).Str("effect", string(effect.Kind)).Msg("Outcome reported")
	return toStruct(map[string]interface{}{
		"effect":     effect.Kind,
		"generation": effect.Record,
	})
}

func (s *Service) SyncBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Syncer == nil {
		return nil, status.Errorf(codes.Unimplemented, "balances are not cached")
	}
	userID, err := requireUserID(req)
	if err != nil {
		return nil, err
	}
	balance, err := s.deps.Syncer.SyncUser(ctx, userID)
	if err != nil {
		return nil, toStatus(err, "failed to sync balance")
	}
	return newStruct(map[string]interface{}{"user_id": userID, "balance": balance})
}

// toStatus converts domain errors to gRPC status codes.
func toStatus(err error, msg string) error {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound), errors.Is(err, generation.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", msg, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", msg, err)
	}
	return status.Errorf(codes.Internal, "%s: %v", msg, err)
}

func requireUserID(req *structpb.Struct) (int64, error) {
	userID := int64(number(req, "user_id"))
	if userID <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	return userID, nil
}

func listLimit(req *structpb.Struct) int {
	limit := int(number(req, "limit"))
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func number(req *structpb.Struct, field string) float64 {
	return req.GetFields()[field].GetNumberValue()
}

func str(req *structpb.Struct, field string) string {
	return req.GetFields()[field].GetStringValue()
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStruct converts v through its JSON form, so struct tags decide the
// field names.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

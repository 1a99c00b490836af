package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

// ServiceName is the fully-qualified gRPC service name. Requests and replies
// are google.protobuf.Struct documents carrying the same fields as the HTTP API.
const ServiceName = "flowengine.v1.Engine"

type EngineServer interface {
	Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Signal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Terminate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TriggerEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv EngineServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Start", EngineServer.Start),
		unaryHandler("Resume", EngineServer.Resume),
		unaryHandler("Signal", EngineServer.Signal),
		unaryHandler("Cancel", EngineServer.Cancel),
		unaryHandler("Terminate", EngineServer.Terminate),
		unaryHandler("Retry", EngineServer.Retry),
		unaryHandler("TriggerEvent", EngineServer.TriggerEvent),
		unaryHandler("GetInstance", EngineServer.GetInstance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowengine/v1/engine.proto",
}

func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

type EngineService struct {
	svc    *workflow.Service
	logger *zap.Logger
}

func NewEngineService(svc *workflow.Service, logger *zap.Logger) *EngineService {
	return &EngineService{svc: svc, logger: logger}
}

func (s *EngineService) Start(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("start", time.Now(), &err)
	ctx, tenant := identity(ctx)
	fields := in.AsMap()
	workflowID := str(fields, "workflow_id")
	if workflowID == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id required")
	}
	input, err := values(fields, "input")
	if err != nil {
		return nil, err
	}
	opts := workflow.StartOptions{
		TenantID:      tenant,
		UserID:        workflow.ActorFrom(ctx),
		Name:          str(fields, "name"),
		Priority:      int(num(fields, "priority")),
		CorrelationID: str(fields, "correlation_id"),
		Metadata:      stringMap(fields, "metadata"),
	}
	if v, ok := fields["version"].(float64); ok {
		version := int(v)
		opts.Version = &version
	}
	if raw := str(fields, "scheduled_start_time"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "scheduled_start_time must be RFC 3339")
		}
		opts.ScheduledStartTime = &at
	}
	def, err := s.svc.GetDefinition(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := authorize(tenant, def.TenantID); err != nil {
		return nil, err
	}
	res, err := s.svc.Start(ctx, workflowID, input, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *EngineService) Resume(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("resume", time.Now(), &err)
	ctx, id, fields, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	input, err := values(fields, "input")
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Resume(ctx, id, str(fields, "bookmark"), input)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *EngineService) Signal(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("signal", time.Now(), &err)
	ctx, id, fields, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	data, err := values(fields, "data")
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Signal(ctx, id, str(fields, "name"), data)
	if err != nil {
		return nil, toStatus(err)
	}
	if res == nil {
		return structpb.NewStruct(map[string]any{"status": "ignored"})
	}
	return toStruct(res)
}

func (s *EngineService) Cancel(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("cancel", time.Now(), &err)
	ctx, id, fields, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	inst, err := s.svc.Cancel(ctx, id, str(fields, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *EngineService) Terminate(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("terminate", time.Now(), &err)
	ctx, id, fields, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	inst, err := s.svc.Terminate(ctx, id, str(fields, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *EngineService) Retry(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("retry", time.Now(), &err)
	ctx, id, _, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Retry(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *EngineService) TriggerEvent(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("trigger_event", time.Now(), &err)
	ctx, tenant := identity(ctx)
	fields := in.AsMap()
	event := str(fields, "event")
	if event == "" {
		return nil, status.Error(codes.InvalidArgument, "event required")
	}
	data, err := values(fields, "data")
	if err != nil {
		return nil, err
	}
	results, err := s.svc.TriggerEventForTenant(ctx, tenant, event, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"results": results})
}

func (s *EngineService) GetInstance(ctx context.Context, in *structpb.Struct) (out *structpb.Struct, err error) {
	defer observe("get_instance", time.Now(), &err)
	ctx, id, _, err := s.owned(ctx, in)
	if err != nil {
		return nil, err
	}
	inst, err := s.svc.GetInstance(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

// owned resolves instance_id and rejects callers from another tenant.
func (s *EngineService) owned(ctx context.Context, in *structpb.Struct) (context.Context, string, map[string]any, error) {
	ctx, tenant := identity(ctx)
	fields := in.AsMap()
	id := str(fields, "instance_id")
	if id == "" {
		return ctx, "", nil, status.Error(codes.InvalidArgument, "instance_id required")
	}
	inst, err := s.svc.GetInstance(ctx, id)
	if err != nil {
		return ctx, "", nil, toStatus(err)
	}
	if err := authorize(tenant, inst.TenantID); err != nil {
		return ctx, "", nil, err
	}
	return ctx, id, fields, nil
}

// identity reads x-tenant-id and x-user-id from the incoming metadata.
func identity(ctx context.Context) (context.Context, string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, ""
	}
	if users := md.Get("x-user-id"); len(users) > 0 {
		ctx = workflow.WithActor(ctx, users[0])
	}
	if tenants := md.Get("x-tenant-id"); len(tenants) > 0 {
		return ctx, tenants[0]
	}
	return ctx, ""
}

func authorize(caller, owner string) error {
	if caller == "" || owner == "" || caller == owner {
		return nil
	}
	return status.Error(codes.PermissionDenied, "resource belongs to another tenant")
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, workflow.ErrBookmarkNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, workflow.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, workflow.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, workflow.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation("grpc "+op, *err, time.Since(start).Seconds())
}

func toStruct(v any) (*structpb.Struct, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func str(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

func num(fields map[string]any, key string) float64 {
	v, _ := fields[key].(float64)
	return v
}

func values(fields map[string]any, key string) (workflow.Values, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%s must be an object", key))
	}
	vals, err := workflow.ValuesFrom(m)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return vals, nil
}

func stringMap(fields map[string]any, key string) map[string]string {
	m, ok := fields[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/dispatch"
	"github.com/triage-ai/toolgate/internal/registry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Executor runs execute requests.
type Executor interface {
	Execute(ctx context.Context, req *dispatch.Request) *dispatch.Response
}

// GatewayServer implements the GatewayService gRPC service.
type GatewayServer struct {
	exec   Executor
	logger *zap.Logger
}

// NewGatewayServer creates a new GatewayServer with the given dependencies.
func NewGatewayServer(exec Executor, logger *zap.Logger) *GatewayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayServer{exec: exec, logger: logger}
}

// Execute implements the GatewayService.Execute RPC.
//
// Admitted requests return OK with the response struct, including handler
// failures. Rejections and timeouts return a status error whose single
// detail is the response struct, so callers still get the correlation id.
func (s *GatewayServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	// A credential in the message wins over the authorization metadata.
	if req.Credential == "" {
		req.Credential = auth.TokenFromMetadata(ctx)
	}

	resp := s.exec.Execute(ctx, req)

	out, err := responseToStruct(resp)
	if err != nil {
		s.logger.Error("failed to encode response",
			zap.String("correlation_id", resp.CorrelationID),
			zap.Error(err),
		)
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}

	if err := grpc.SetHeader(ctx, metadata.Pairs("x-correlation-id", resp.CorrelationID)); err != nil {
		s.logger.Debug("set header failed", zap.Error(err))
	}

	code := codeFor(resp.Outcome)
	if code == codes.OK {
		return out, nil
	}

	if resp.Outcome == audit.OutcomeRejectedRateLimit && resp.RetryAfter > 0 {
		secs := int64(math.Ceil(resp.RetryAfter.Seconds()))
		if err := grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.FormatInt(secs, 10))); err != nil {
			s.logger.Debug("set trailer failed", zap.Error(err))
		}
	}

	msg := string(resp.Outcome)
	if resp.Error != nil {
		msg = resp.Error.Message
	}
	st, err := status.New(code, msg).WithDetails(out)
	if err != nil {
		return nil, status.Error(code, msg)
	}
	return nil, st.Err()
}

// codeFor maps an outcome onto a gRPC status code.
func codeFor(o audit.Outcome) codes.Code {
	switch o {
	case audit.OutcomeRejectedAuth:
		return codes.Unauthenticated
	case audit.OutcomeRejectedKillSwitch:
		return codes.Unavailable
	case audit.OutcomeRejectedUnknownTool:
		return codes.NotFound
	case audit.OutcomeRejectedReadOnly:
		return codes.FailedPrecondition
	case audit.OutcomeRejectedRateLimit:
		return codes.ResourceExhausted
	case audit.OutcomeAdmittedTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.OK
	}
}

// requestFromStruct reads the execute wire shape out of a Struct.
func requestFromStruct(in *structpb.Struct) (*dispatch.Request, error) {
	req := &dispatch.Request{}
	if in == nil {
		return req, nil
	}
	for key, v := range in.GetFields() {
		switch key {
		case "operationName":
			s, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("operationName must be a string")
			}
			req.Operation = s.StringValue
		case "credential":
			s, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("credential must be a string")
			}
			req.Credential = s.StringValue
		case "dryRun", "readOnly":
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return nil, fmt.Errorf("%s must be a bool", key)
			}
			if key == "dryRun" {
				req.DryRun = b.BoolValue
			} else {
				req.ReadOnly = b.BoolValue
			}
		case "arguments":
			switch a := v.GetKind().(type) {
			case *structpb.Value_StructValue:
				req.Arguments = registry.Arguments(a.StructValue.AsMap())
			case *structpb.Value_NullValue:
			default:
				return nil, fmt.Errorf("arguments must be an object")
			}
		}
	}
	return req, nil
}

// responseToStruct encodes resp with the same field names as the HTTP body.
func responseToStruct(resp *dispatch.Response) (*structpb.Struct, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

package grpc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/kcore/coreengine/memory"
	"github.com/jeeves-cluster-organization/kcore/coreengine/runtime"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================
//
// Requests are structpb.Struct values. Every field is decoded and checked
// here so server methods only see typed arguments.

func field(req *structpb.Struct, name string) (*structpb.Value, bool) {
	if req == nil || req.Fields == nil {
		return nil, false
	}
	v, ok := req.Fields[name]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

// requiredString returns a non-empty string field.
func requiredString(req *structpb.Struct, name string) (string, error) {
	v, ok := field(req, name)
	if !ok || v.GetStringValue() == "" {
		return "", InvalidArgument(name)
	}
	return v.GetStringValue(), nil
}

// uint64Value decodes a number or a numeric string. Strings accept 0x
// prefixes so addresses above 2^53 survive the trip.
func uint64Value(name string, v *structpb.Value) (uint64, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n >= 1<<64 {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(strings.TrimSpace(kind.StringValue), 0, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
}

// optionalUint64 returns def when the field is absent.
func optionalUint64(req *structpb.Struct, name string, def uint64) (uint64, error) {
	v, ok := field(req, name)
	if !ok {
		return def, nil
	}
	return uint64Value(name, v)
}

// requiredUint64 returns a present integer field.
func requiredUint64(req *structpb.Struct, name string) (uint64, error) {
	v, ok := field(req, name)
	if !ok {
		return 0, InvalidArgument(name)
	}
	return uint64Value(name, v)
}

// optionalInt64 decodes a signed integer, 0 when absent.
func optionalInt64(req *structpb.Struct, name string) (int64, error) {
	v, ok := field(req, name)
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n < math.MinInt64 || n >= 1<<63 {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 0, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
}

// requiredPID decodes a pid field.
func requiredPID(req *structpb.Struct, name string) (kernel.ProcessID, error) {
	n, err := requiredUint64(req, name)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > math.MaxUint32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s out of range: %d", name, n)
	}
	return kernel.ProcessID(n), nil
}

// stringMap decodes an object of string values.
func stringMap(req *structpb.Struct, name string) (map[string]string, error) {
	v, ok := field(req, name)
	if !ok {
		return nil, nil
	}
	obj := v.GetStructValue()
	if obj == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an object", name)
	}
	out := make(map[string]string, len(obj.Fields))
	for key, val := range obj.Fields {
		s, isString := val.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, status.Errorf(codes.InvalidArgument, "%s.%s must be a string", name, key)
		}
		out[key] = s.StringValue
	}
	return out, nil
}

// syscallArgs decodes up to three register arguments.
func syscallArgs(req *structpb.Struct) ([3]uint64, error) {
	var args [3]uint64
	v, ok := field(req, "args")
	if !ok {
		return args, nil
	}
	list := v.GetListValue()
	if list == nil {
		return args, status.Errorf(codes.InvalidArgument, "args must be a list")
	}
	if len(list.Values) > len(args) {
		return args, status.Errorf(codes.InvalidArgument, "at most %d args, got %d", len(args), len(list.Values))
	}
	for i, item := range list.Values {
		n, err := uint64Value(fmt.Sprintf("args[%d]", i), item)
		if err != nil {
			return args, err
		}
		args[i] = n
	}
	return args, nil
}

// =============================================================================
// KERNEL ERROR CODES
// =============================================================================
//
// Builders with stable codes and messages, analogous to errno values.

// InvalidArgument returns a gRPC InvalidArgument error (EINVAL).
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error (ENOENT).
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected kernel failure (EIO).
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition returns an error for operations the current state
// forbids (EBUSY).
func FailedPrecondition(resource, currentState, attemptedAction string) error {
	return status.Errorf(codes.FailedPrecondition,
		"%s in state %s cannot %s", resource, currentState, attemptedAction)
}

// ResourceExhausted returns an error for exhausted limits (ENOMEM).
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted,
		"%s limit exceeded: %s", resourceType, limit)
}

// PermissionDenied returns an error for forbidden operations (EPERM).
func PermissionDenied(operation, reason string) error {
	return status.Errorf(codes.PermissionDenied,
		"%s denied: %s", operation, reason)
}

// kernelError maps a kernel error onto a status code.
func kernelError(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrHalted):
		return status.Errorf(codes.Unavailable, "%s: %v", operation, err)
	case errors.Is(err, kernel.ErrProcessNotFound), errors.Is(err, kernel.ErrAppNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", operation, err)
	case errors.Is(err, kernel.ErrKernelProcess):
		return PermissionDenied(operation, err.Error())
	case errors.Is(err, kernel.ErrProcessDead), errors.Is(err, kernel.ErrProcessAlive):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", operation, err)
	case errors.Is(err, kernel.ErrForkRateLimited):
		return ResourceExhausted("fork rate", err.Error())
	case errors.Is(err, kernel.ErrPIDExhausted),
		errors.Is(err, kernel.ErrStackSlotExhausted),
		errors.Is(err, memory.ErrFramesExhausted):
		return ResourceExhausted(operation, err.Error())
	default:
		return Internal(operation, err)
	}
}

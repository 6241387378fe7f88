package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// LOGGING INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodTick)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "response", nil
	}

	resp, err := interceptor(context.Background(), "request", info, handler)

	require.NoError(t, err)
	assert.Equal(t, "response", resp)

	debug := logger.Calls("debug")
	require.Len(t, debug, 2)
	assert.Equal(t, "grpc_request_started", debug[0].Message)
	assert.Equal(t, "grpc_request_completed", debug[1].Message)
	assert.Equal(t, "/kcore.v1.KernelService/Tick", debug[1].Fields["method"])
}

func TestLoggingInterceptor_Error(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodKill)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "process not found")
	}

	resp, err := interceptor(context.Background(), "request", info, handler)

	require.Error(t, err)
	assert.Nil(t, resp)

	assert.Len(t, logger.Calls("debug"), 1)
	warn := logger.Calls("warn")
	require.Len(t, warn, 1)
	assert.Equal(t, "grpc_request_failed", warn[0].Message)
	assert.Equal(t, "NotFound", warn[0].Fields["code"])
	assert.Equal(t, "process not found", warn[0].Fields["error"])
}

// =============================================================================
// RECOVERY INTERCEPTOR TESTS
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, nil)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodSystemStatus)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "safe response", nil
	}

	resp, err := interceptor(context.Background(), "request", info, handler)

	require.NoError(t, err)
	assert.Equal(t, "safe response", resp)
	assert.Empty(t, logger.Calls("error"))
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	interceptor := RecoveryInterceptor(logger, nil)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodSyscall)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("test panic")
	}

	resp, err := interceptor(context.Background(), "request", info, handler)

	require.Error(t, err)
	assert.Nil(t, resp)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic")

	errs := logger.Calls("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "grpc_panic_recovered", errs[0].Message)
	assert.Contains(t, errs[0].Fields["panic"], "test panic")
}

func TestRecoveryInterceptor_CustomHandler(t *testing.T) {
	logger := &TestLogger{}
	customHandler := func(p interface{}) error {
		return status.Errorf(codes.Aborted, "custom: %v", p)
	}
	interceptor := RecoveryInterceptor(logger, customHandler)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodSyscall)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("custom panic")
	}

	_, err := interceptor(context.Background(), "request", info, handler)

	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Contains(t, st.Message(), "custom: custom panic")
}

func TestDefaultRecoveryHandler(t *testing.T) {
	err := DefaultRecoveryHandler("test panic value")

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic value")
}

// =============================================================================
// CHAIN INTERCEPTORS TESTS
// =============================================================================

func TestChainUnaryInterceptors(t *testing.T) {
	var order []string

	interceptor1 := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		order = append(order, "before1")
		resp, err := handler(ctx, req)
		order = append(order, "after1")
		return resp, err
	}
	interceptor2 := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		order = append(order, "before2")
		resp, err := handler(ctx, req)
		order = append(order, "after2")
		return resp, err
	}

	chain := ChainUnaryInterceptors(interceptor1, interceptor2)

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodTick)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		order = append(order, "handler")
		return "response", nil
	}

	resp, err := chain(context.Background(), "request", info, handler)

	require.NoError(t, err)
	assert.Equal(t, "response", resp)
	assert.Equal(t, []string{"before1", "before2", "handler", "after2", "after1"}, order)
}

func TestChainUnaryInterceptors_Empty(t *testing.T) {
	chain := ChainUnaryInterceptors()

	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodTick)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "direct", nil
	}

	resp, err := chain(context.Background(), "request", info, handler)
	require.NoError(t, err)
	assert.Equal(t, "direct", resp)
}

func TestChainUnaryInterceptors_ShortCircuit(t *testing.T) {
	reject := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return nil, status.Error(codes.PermissionDenied, "rejected")
	}

	called := false
	chain := ChainUnaryInterceptors(reject)
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodKill)}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return nil, nil
	}

	_, err := chain(context.Background(), "request", info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.False(t, called)
}

func TestServerOptions(t *testing.T) {
	opts := ServerOptions(&TestLogger{})

	// stats handler plus unary and stream interceptors
	assert.Len(t, opts, 3)
}

// =============================================================================
// STREAM INTERCEPTOR TESTS
// =============================================================================

func TestStreamLoggingInterceptor_Success(t *testing.T) {
	logger := &TestLogger{}
	interceptor := StreamLoggingInterceptor(logger)

	info := &grpc.StreamServerInfo{
		FullMethod:     FullMethod(MethodWatchEvents),
		IsServerStream: true,
	}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		return nil
	}

	err := interceptor(nil, NewMockServerStream(context.Background()), info, handler)

	require.NoError(t, err)
	assert.True(t, logger.Has("debug", "grpc_stream_started"))
	assert.True(t, logger.Has("debug", "grpc_stream_completed"))
}

func TestStreamLoggingInterceptor_Error(t *testing.T) {
	logger := &TestLogger{}
	interceptor := StreamLoggingInterceptor(logger)

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		return errors.New("stream error")
	}

	err := interceptor(nil, NewMockServerStream(context.Background()), info, handler)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream error")
	assert.True(t, logger.Has("warn", "grpc_stream_failed"))
}

func TestStreamLoggingInterceptor_CancelIsNotFailure(t *testing.T) {
	logger := &TestLogger{}
	interceptor := StreamLoggingInterceptor(logger)

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	}

	err := interceptor(nil, NewMockServerStream(context.Background()), info, handler)

	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.False(t, logger.Has("warn", "grpc_stream_failed"))
}

func TestStreamRecoveryInterceptor_Success(t *testing.T) {
	interceptor := StreamRecoveryInterceptor(&TestLogger{}, DefaultRecoveryHandler)

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		return nil
	}

	require.NoError(t, interceptor(nil, NewMockServerStream(context.Background()), info, handler))
}

func TestStreamRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	interceptor := StreamRecoveryInterceptor(logger, nil)

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		panic("stream panic")
	}

	err := interceptor(nil, NewMockServerStream(context.Background()), info, handler)

	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "stream panic")
	assert.True(t, logger.Has("error", "grpc_stream_panic_recovered"))
}

func TestChainStreamInterceptors(t *testing.T) {
	var order []string

	interceptor1 := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		order = append(order, "before1")
		err := handler(srv, ss)
		order = append(order, "after1")
		return err
	}
	interceptor2 := func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		order = append(order, "before2")
		err := handler(srv, ss)
		order = append(order, "after2")
		return err
	}

	chain := ChainStreamInterceptors(interceptor1, interceptor2)

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		order = append(order, "handler")
		return nil
	}

	require.NoError(t, chain(nil, NewMockServerStream(context.Background()), info, handler))
	assert.Equal(t, []string{"before1", "before2", "handler", "after2", "after1"}, order)
}

// =============================================================================
// METRICS INTERCEPTOR TESTS
// =============================================================================

func TestMetricsInterceptor_PassesThrough(t *testing.T) {
	interceptor := MetricsInterceptor()

	testCases := []struct {
		name string
		code codes.Code
	}{
		{"OK", codes.OK},
		{"InvalidArgument", codes.InvalidArgument},
		{"NotFound", codes.NotFound},
		{"Unavailable", codes.Unavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodSpawn)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				if tc.code == codes.OK {
					return "ok", nil
				}
				return nil, status.Error(tc.code, "error")
			}

			resp, err := interceptor(context.Background(), "request", info, handler)

			assert.Equal(t, tc.code, status.Code(err))
			if tc.code == codes.OK {
				assert.Equal(t, "ok", resp)
			}
		})
	}
}

func TestStreamMetricsInterceptor_PassesThrough(t *testing.T) {
	interceptor := StreamMetricsInterceptor()

	info := &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}
	handler := func(srv interface{}, stream grpc.ServerStream) error {
		return status.Error(codes.Internal, "stream error")
	}

	err := interceptor(nil, NewMockServerStream(context.Background()), info, handler)
	assert.Equal(t, codes.Internal, status.Code(err))
}

package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// =============================================================================
// LOGGER MOCKS
// =============================================================================

// TestLogger captures log calls with their structured fields. Safe for use
// from server goroutines.
type TestLogger struct {
	mu    sync.Mutex
	calls []LogCall
}

// LogCall is one captured log call.
type LogCall struct {
	Level   string
	Message string
	Fields  map[string]any
}

func (l *TestLogger) record(level, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LogCall{
		Level:   level,
		Message: msg,
		Fields:  toMap(msg, keysAndValues),
	})
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.record("debug", msg, keysAndValues) }
func (l *TestLogger) Info(msg string, keysAndValues ...any)  { l.record("info", msg, keysAndValues) }
func (l *TestLogger) Warn(msg string, keysAndValues ...any)  { l.record("warn", msg, keysAndValues) }
func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.record("error", msg, keysAndValues) }

// Calls returns the captured calls at level.
func (l *TestLogger) Calls(level string) []LogCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogCall
	for _, c := range l.calls {
		if c.Level == level {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether msg was logged at level.
func (l *TestLogger) Has(level, msg string) bool {
	for _, c := range l.Calls(level) {
		if c.Message == msg {
			return true
		}
	}
	return false
}

// toMap converts key-value pairs to a map for structured assertions.
func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// =============================================================================
// MOCK GRPC STREAMS
// =============================================================================

// MockEventStream implements EventStream and collects sent events.
type MockEventStream struct {
	ctx     context.Context
	events  chan *structpb.Struct
	sendErr error
}

// NewMockEventStream creates a stream bound to ctx.
func NewMockEventStream(ctx context.Context) *MockEventStream {
	return &MockEventStream{
		ctx:    ctx,
		events: make(chan *structpb.Struct, 100),
	}
}

func (m *MockEventStream) Send(event *structpb.Struct) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.events <- event
	return nil
}

func (m *MockEventStream) Context() context.Context {
	return m.ctx
}

// SetSendError makes every Send fail with err.
func (m *MockEventStream) SetSendError(err error) {
	m.sendErr = err
}

// Events returns the channel of sent events.
func (m *MockEventStream) Events() <-chan *structpb.Struct {
	return m.events
}

// MockServerStream implements grpc.ServerStream for interceptor tests.
type MockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// NewMockServerStream creates a mock server stream.
func NewMockServerStream(ctx context.Context) *MockServerStream {
	return &MockServerStream{ctx: ctx}
}

func (m *MockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

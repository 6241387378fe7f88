// Package observability provides Prometheus metrics instrumentation for the kernel core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// SYSCALL METRICS
// =============================================================================

var (
	syscallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_syscalls_total",
			Help: "Total number of dispatched syscalls",
		},
		[]string{"syscall", "result"}, // result: ok, failed, panic
	)

	syscallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kcore_syscall_duration_seconds",
			Help:    "Syscall handler duration in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"syscall"},
	)

	badUserPointersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_bad_user_pointers_total",
			Help: "User pointers rejected by copy-in/copy-out",
		},
		[]string{"syscall"},
	)
)

// =============================================================================
// SCHEDULER METRICS
// =============================================================================

var (
	timerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_timer_ticks_total",
			Help: "Timer interrupts taken by the machine",
		},
		[]string{"delivery"}, // delivery: immediate, deferred
	)

	contextSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kcore_context_switches_total",
			Help: "Dispatches that changed the running process",
		},
	)

	readyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcore_ready_queue_depth",
			Help: "Pids waiting in the ready queue",
		},
	)

	processesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kcore_processes",
			Help: "Processes in the table by status",
		},
		[]string{"status"},
	)

	framesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcore_physical_frames_used",
			Help: "Allocated physical frames",
		},
	)
)

// =============================================================================
// KERNEL EVENT METRICS
// =============================================================================

var (
	kernelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_kernel_events_total",
			Help: "Kernel events by type",
		},
		[]string{"event_type"},
	)

	pageFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_page_faults_total",
			Help: "Page faults taken, by outcome",
		},
		[]string{"outcome"}, // outcome: resolved, fatal, halt
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcore_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kcore_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordSyscall records one syscall dispatch.
func RecordSyscall(syscall string, result string, durationSeconds float64) {
	syscallsTotal.WithLabelValues(syscall, result).Inc()
	syscallDurationSeconds.WithLabelValues(syscall).Observe(durationSeconds)
}

// RecordBadUserPointer records a rejected user buffer.
func RecordBadUserPointer(syscall string) {
	badUserPointersTotal.WithLabelValues(syscall).Inc()
}

// RecordTimerTick records a timer interrupt. Deferred ticks arrived while
// interrupts were masked.
func RecordTimerTick(deferred bool) {
	delivery := "immediate"
	if deferred {
		delivery = "deferred"
	}
	timerTicksTotal.WithLabelValues(delivery).Inc()
}

// RecordContextSwitch records a dispatch that changed the running process.
func RecordContextSwitch() {
	contextSwitchesTotal.Inc()
}

// RecordSchedulerState publishes the current scheduler gauges.
// byStatus is keyed by process status.
func RecordSchedulerState(queueDepth int, byStatus map[string]int, usedFrames int) {
	readyQueueDepth.Set(float64(queueDepth))
	for status, n := range byStatus {
		processesByStatus.WithLabelValues(status).Set(float64(n))
	}
	framesInUse.Set(float64(usedFrames))
}

// RecordKernelEvent counts a kernel event by type.
func RecordKernelEvent(eventType string) {
	kernelEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordPageFault records a page fault outcome.
func RecordPageFault(outcome string) {
	pageFaultsTotal.WithLabelValues(outcome).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

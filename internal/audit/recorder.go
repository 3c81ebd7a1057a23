// Package audit emits the structured lifecycle log: one newline-delimited
// JSON record per saga milestone.
package audit

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity levels of lifecycle records.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Record categories.
const (
	CategoryLifecycle    = "lifecycle"
	CategoryStep         = "step"
	CategoryTransition   = "transition"
	CategoryCompensation = "compensation"
	CategoryFailure      = "controlled_failure"
)

// Entry is one lifecycle record.
type Entry struct {
	EventType     string
	SagaID        string
	SagaType      string
	ServiceName   string
	CorrelationID string
	Severity      string
	Category      string
	Data          map[string]interface{}
}

// Recorder writes lifecycle records as NDJSON through a zap JSON core.
type Recorder struct {
	logger      *zap.Logger
	serviceName string
}

// New creates a recorder writing to w. The timestamp field carries
// RFC 3339 with nanoseconds.
func New(w io.Writer, serviceName string) *Recorder {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "event_type",
		LevelKey:       zapcore.OmitKey,
		NameKey:        zapcore.OmitKey,
		CallerKey:      zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(w),
		zapcore.InfoLevel,
	)
	return &Recorder{
		logger:      zap.New(core),
		serviceName: serviceName,
	}
}

// NewNop creates a recorder that discards everything.
func NewNop() *Recorder {
	return &Recorder{logger: zap.NewNop()}
}

// Record emits one lifecycle record.
func (r *Recorder) Record(e Entry) {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.ServiceName == "" {
		e.ServiceName = r.serviceName
	}
	fields := []zap.Field{
		zap.String("saga_id", e.SagaID),
		zap.String("saga_type", e.SagaType),
		zap.String("service_name", e.ServiceName),
		zap.String("correlation_id", e.CorrelationID),
		zap.String("severity", e.Severity),
		zap.String("category", e.Category),
	}
	if e.Data != nil {
		fields = append(fields, zap.Any("data", e.Data))
	}
	r.logger.Info(e.EventType, fields...)
}

// Sync flushes buffered records.
func (r *Recorder) Sync() error {
	return r.logger.Sync()
}

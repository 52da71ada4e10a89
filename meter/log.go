package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/imagegate"
)

// LogMeter logs admission, job and gateway events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ imagegate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e imagegate.AdmissionEvent) {
	if e.Allowed {
		m.Logger.Debug("admission",
			"user", e.UserID,
			"used", e.Used,
			"max", e.Max,
		)
		return
	}
	m.Logger.Info("admission_denied",
		"user", e.UserID,
		"used", e.Used,
		"max", e.Max,
	)
}

func (m *LogMeter) OnJobTransition(e imagegate.JobEvent) {
	level := slog.LevelInfo
	if e.To == imagegate.JobFailed || e.To == imagegate.JobTimedOut {
		level = slog.LevelWarn
	}
	m.Logger.Log(context.Background(), level, "job_transition",
		"job", e.JobID,
		"user", e.UserID,
		"from", e.From.String(),
		"to", e.To.String(),
		"prompts", e.Prompts,
		"fallback", e.Fallback,
		"elapsed_ms", e.Elapsed.Milliseconds(),
	)
}

func (m *LogMeter) OnGatewayCall(e imagegate.GatewayEvent) {
	if e.Success {
		m.Logger.Info("gateway_call",
			"op", e.Op,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("gateway_call_error",
			"op", e.Op,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

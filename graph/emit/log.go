package emit

import (
	"go.uber.org/zap"
)

// LogEmitter writes each event as a structured zap record.
//
// Events whose Meta carries an "error" key are logged at error level,
// everything else at debug level, except run boundaries which are logged at
// info level.
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	emitter := emit.NewLogEmitter(logger)
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger falls back to zap.L().
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogEmitter{logger: logger.Named("stategraph")}
}

// Emit writes event to the logger.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("thread_id", event.ThreadID),
		zap.Int("step", event.Step),
	)
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}

	switch {
	case event.Meta["error"] != nil:
		l.logger.Error(event.Msg, fields...)
	case event.Msg == "run_start" || event.Msg == "run_end":
		l.logger.Info(event.Msg, fields...)
	default:
		l.logger.Debug(event.Msg, fields...)
	}
}

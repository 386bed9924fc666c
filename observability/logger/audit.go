package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/noderental/generic"
)

// AuditSink writes audit events as structured log entries on a dedicated
// "audit" logger, so a log shipper can route them to the activity log.
type AuditSink struct {
	log *zap.Logger
}

func NewAuditSink(log *zap.Logger) *AuditSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditSink{log: log.Named("audit")}
}

func (s *AuditSink) Record(ctx context.Context, e generic.AuditEvent) {
	fields := []zap.Field{
		zap.String("action", e.Action),
		zap.String("category", string(e.Category)),
		zap.String("actor_id", e.ActorID),
		zap.String("target_type", e.TargetType),
		zap.String("target_id", e.TargetID),
		zap.Time("at", e.At),
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	s.log.Info("audit_event", fields...)
}

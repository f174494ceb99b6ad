package logging

import (
	"sync"

	"go.uber.org/zap"
)

// AuditSink is the append-only structured sink for chain-of-custody audit
// records: every EventKernel.Append, grant revocation, and gate transition
// is mirrored here in addition to the human-facing logrus stream. Kept as a
// distinct logger (rather than another logrus field) so audit volume can be
// routed, retained, and redacted independently of operational logging.
type AuditSink struct {
	logger *zap.Logger
}

var (
	auditOnce    sync.Once
	defaultAudit *AuditSink
)

// NewAuditSink builds a production zap logger for audit records.
func NewAuditSink() (*AuditSink, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &AuditSink{logger: logger}, nil
}

// DefaultAuditSink returns a process-wide audit sink, building it on first use.
func DefaultAuditSink() *AuditSink {
	auditOnce.Do(func() {
		sink, err := NewAuditSink()
		if err != nil {
			sink = &AuditSink{logger: zap.NewNop()}
		}
		defaultAudit = sink
	})
	return defaultAudit
}

// Record writes one audit line. fields are flattened as zap.Any pairs.
func (a *AuditSink) Record(action string, fields map[string]any) {
	if a == nil || a.logger == nil {
		return
	}
	zapFields := make([]zap.Field, 0, len(fields)+1)
	zapFields = append(zapFields, zap.String("action", action))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	a.logger.Info("audit", zapFields...)
}

// Sync flushes any buffered log entries; call on shutdown.
func (a *AuditSink) Sync() error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.Sync()
}

package rendezvous

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	labelVariant   = "variant"
	labelRank      = "rank"
	labelRole      = "role"
	labelKind      = "kind"
	labelOperation = "operation"
	labelClass     = "class"
)

// Logger provides debug logging hooks for the engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// MetricHook captures engine telemetry events.
type MetricHook interface {
	TransferCompleted(attrs map[string]string)
	ControlMessageSent(kind string, attrs map[string]string)
	BulkPosted(attrs map[string]string)
	ReceivesReplenished(n int, attrs map[string]string)
	FatalError(class string, err error, attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (e *Engine) verbose() bool {
	return e.logger != nil || e.structuredLogger != nil
}

func (e *Engine) logEvent(event string, fields ...logField) {
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelRank, e.rank)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("rendezvous engine", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	e.logger.Debugf("rendezvous engine rank=%d %s", e.rank, b.String())
}

func (e *Engine) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelVariant] = e.variant.String()
	attrs[labelRank] = strconv.Itoa(e.rank)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Engine) metricTransferCompleted(role Role) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransferCompleted(e.metricAttrs(logKV(labelRole, role)))
}

func (e *Engine) metricControlSent(kind MsgKind) {
	if e.metrics == nil {
		return
	}
	e.metrics.ControlMessageSent(kind.String(), e.metricAttrs())
}

func (e *Engine) metricBulkPosted(op string) {
	if e.metrics == nil {
		return
	}
	e.metrics.BulkPosted(e.metricAttrs(logKV(labelOperation, op)))
}

func (e *Engine) metricReplenished(n int) {
	if e.metrics == nil || n == 0 {
		return
	}
	e.metrics.ReceivesReplenished(n, e.metricAttrs())
}

func (e *Engine) metricFatal(err *FatalError) {
	if e.metrics == nil {
		return
	}
	e.metrics.FatalError(err.Class.String(), err, e.metricAttrs())
}

package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/smallbiznis/gridauth/internal/service"

type observer struct {
	logger *zap.Logger
	tracer trace.Tracer
}

func newObserver(logger *zap.Logger) observer {
	return observer{logger: logger, tracer: otel.Tracer(tracerName)}
}

func (o observer) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name)
}

func (o observer) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	o.log().Info("audit", fields...)
}

func (o observer) log() *zap.Logger {
	if o.logger != nil {
		return o.logger
	}
	return zap.L()
}

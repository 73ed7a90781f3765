package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// HeadAttributes converts a message head into span attributes prefixed with
// "message.head.", applying redaction rules keyed by head field name.
//
// Fields on the default deny-list are dropped. Other rules name a strategy:
// "drop", "mask" (keep the first and last four characters), "hash" or
// "replace". Values that are not strings are formatted with %v.
func HeadAttributes(head map[string]any, rules map[string]string) []attribute.KeyValue {
	if len(head) == 0 {
		return nil
	}

	dropKeys := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"password":      {},
	}

	attrs := make([]attribute.KeyValue, 0, len(head))
	for key, raw := range head {
		name := strings.ToLower(key)
		if _, drop := dropKeys[name]; drop {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		attrKey := "message.head." + name

		switch strings.ToLower(rules[name]) {
		case "drop":
			continue
		case "mask":
			attrs = append(attrs, attribute.String(attrKey, maskValue(value)))
		case "hash":
			attrs = append(attrs, attribute.String(attrKey, hashValue(value)))
		case "replace", "redact":
			attrs = append(attrs, attribute.String(attrKey, "[REDACTED]"))
		default:
			attrs = append(attrs, attribute.String(attrKey, value))
		}
	}
	return attrs
}

// maskValue shows the first and last four characters.
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic hex digest for correlation.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("[REDACTED:hash:%08x]", h.Sum32())
}

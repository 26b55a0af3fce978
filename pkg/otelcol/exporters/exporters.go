package exporters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"smallbiznis-licensing/pkg/config"
)

const exportTimeout = 10 * time.Second

// New returns the OTLP span exporter for OTEL.PROTOCOL ("grpc" or "http").
func New(ctx context.Context, cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	switch strings.ToLower(cfg.Otel.Protocol) {
	case "grpc":
		return otlptrace.New(ctx, grpcClient(cfg))
	case "", "http", "http/protobuf":
		return otlptrace.New(ctx, httpClient(cfg))
	default:
		return nil, fmt.Errorf("unknown OTEL.PROTOCOL %q", cfg.Otel.Protocol)
	}
}

func grpcClient(cfg *config.Config) otlptrace.Client {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		otlptracegrpc.WithCompressor("gzip"),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if !cfg.Otel.Secure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.NewClient(opts...)
}

func httpClient(cfg *config.Config) otlptrace.Client {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if !cfg.Otel.Secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...)
}

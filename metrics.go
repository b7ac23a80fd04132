package imagecache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName identifies this package to OpenTelemetry.
const instrumentationName = "github.com/meigma/imagecache"

type metrics struct {
	requests          metric.Int64Counter
	commits           metric.Int64Counter
	aborts            metric.Int64Counter
	integrityFailures metric.Int64Counter
	bytesServed       metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	requests, err := meter.Int64Counter(
		"imagecache.requests",
		metric.WithDescription("Image fetches by where they were served from"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"imagecache.commits",
		metric.WithDescription("Cache entries committed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	aborts, err := meter.Int64Counter(
		"imagecache.aborts",
		metric.WithDescription("Cache populations abandoned before commit"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	integrityFailures, err := meter.Int64Counter(
		"imagecache.integrity_failures",
		metric.WithDescription("Populations whose bytes did not match the backend checksum"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesServed, err := meter.Int64Counter(
		"imagecache.bytes_served",
		metric.WithDescription("Image bytes returned to clients"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		requests:          requests,
		commits:           commits,
		aborts:            aborts,
		integrityFailures: integrityFailures,
		bytesServed:       bytesServed,
	}, nil
}

func sourceAttr(src Source) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", src.String()))
}

func (m *metrics) request(ctx context.Context, src Source) {
	m.requests.Add(ctx, 1, sourceAttr(src))
}

func (m *metrics) served(ctx context.Context, src Source, n int64) {
	if n > 0 {
		m.bytesServed.Add(ctx, n, sourceAttr(src))
	}
}

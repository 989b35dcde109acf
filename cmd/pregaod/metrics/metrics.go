package metrics

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Prefix namespaces every pregaod metric.
const Prefix = "pregaod"

// Meter is the shared meter for pregaod metrics.
var Meter metric.Meter = otel.Meter(Prefix)

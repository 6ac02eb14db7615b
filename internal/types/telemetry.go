package types

// MetricNamespace is the default CloudWatch namespace for all published
// metrics.
const MetricNamespace = "Limitter"

// Telemetry metric names for CloudWatch request metrics.
const (
	MetricAPILatency = "APILatency"
	MetricAPIRequest = "APIRequest"

	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"
)

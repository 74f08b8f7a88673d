// Package observability provides metrics for the HTTP API, the run
// lifecycle, the scheduler loop, the container runtime and the webhook
// dispatcher.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrRunType   = "run_type"
	attrOutcome   = "outcome"
	attrErrorType = "error_type"
	attrOp        = "op"
	attrState     = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func runTypeAttr(runType string) attribute.KeyValue {
	return attribute.String(attrRunType, runType)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func errorTypeAttr(errorType string) attribute.KeyValue {
	if errorType == "" {
		errorType = "none"
	}
	return attribute.String(attrErrorType, errorType)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// idSegments maps a collection to the placeholder of the segment after it.
var idSegments = map[string]string{
	"jobs":       "{jobId}",
	"runs":       "{runId}",
	"schedules":  "{scheduleId}",
	"containers": "{containerId}",
}

// normalizePath replaces resource ids with placeholders to bound cardinality:
// /v1/jobs/abc123/start -> /v1/jobs/{jobId}/start
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/") {
		return path
	}
	parts := strings.Split(path, "/")
	for i := 3; i < len(parts); i++ {
		placeholder, ok := idSegments[parts[i-1]]
		if !ok || parts[i] == "" {
			continue
		}
		// Fixed sub-collections are not ids.
		if parts[i-1] == "jobs" && parts[i] == "auto-register" {
			continue
		}
		parts[i] = placeholder
	}
	return strings.Join(parts, "/")
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJobType = "job_type"
	attrSuccess = "success"
	attrKind    = "kind"
	attrReason  = "reason"
	attrItem    = "item"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func itemAttr(item string) attribute.KeyValue {
	return attribute.String(attrItem, item)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/"):
		rest := strings.TrimPrefix(path, "/v1/jobs/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/v1/jobs/{jobId}" + rest[i:]
		}
		return "/v1/jobs/{jobId}"
	case strings.HasPrefix(path, "/v1/resources/hash/"):
		return "/v1/resources/hash/{hash}"
	case strings.HasPrefix(path, "/v1/resources/"):
		return "/v1/resources/{resourceId}"
	}
	return path
}

// WithJobType returns a metric option with the job type attribute.
func WithJobType(jobType string) metric.MeasurementOption {
	return metric.WithAttributes(jobTypeAttr(jobType))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}

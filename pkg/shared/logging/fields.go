/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides a chained builder for the structured fields
// every component attaches to its logrus entries, plus a handful of
// per-component constructors for the fields used over and over.
package logging

import "time"

// StandardFields is a chained builder over a plain field map. Every
// method returns the same map so calls compose: NewFields().Component(x).Operation(y).
type StandardFields map[string]interface{}

// NewFields returns an empty StandardFields builder.
func NewFields() StandardFields {
	return StandardFields{}
}

func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

func (f StandardFields) Operation(name string) StandardFields {
	f["operation"] = name
	return f
}

func (f StandardFields) Resource(resourceType, resourceName string) StandardFields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f StandardFields) UserID(id string) StandardFields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f StandardFields) RequestID(id string) StandardFields {
	f["request_id"] = id
	return f
}

func (f StandardFields) TraceID(id string) StandardFields {
	f["trace_id"] = id
	return f
}

func (f StandardFields) StatusCode(code int) StandardFields {
	f["status_code"] = code
	return f
}

func (f StandardFields) Method(method string) StandardFields {
	f["method"] = method
	return f
}

func (f StandardFields) URL(url string) StandardFields {
	f["url"] = url
	return f
}

func (f StandardFields) Count(n int) StandardFields {
	f["count"] = n
	return f
}

func (f StandardFields) Size(bytes int64) StandardFields {
	f["size_bytes"] = bytes
	return f
}

func (f StandardFields) Version(v string) StandardFields {
	f["version"] = v
	return f
}

func (f StandardFields) Custom(key string, value interface{}) StandardFields {
	f[key] = value
	return f
}

// ToLogrus returns f as a logrus.Fields-compatible map. StandardFields
// already satisfies the map[string]interface{} shape logrus.Fields is
// defined as, so this is a plain conversion.
func (f StandardFields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// DatabaseFields builds the standard field set for a database call.
func DatabaseFields(operation, table string) StandardFields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the standard field set for an inbound or outbound
// HTTP call.
func HTTPFields(method, url string, statusCode int) StandardFields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields builds the standard field set for a deployment
// reconciliation cycle.
func WorkflowFields(operation, workflowID string) StandardFields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", workflowID)
}

// KubernetesFields builds the standard field set for an orchestrator
// apply/scale/health-wait call.
func KubernetesFields(operation, resourceType, resourceName, namespace string) StandardFields {
	fields := NewFields().Component("kubernetes").Operation(operation).Resource(resourceType, resourceName)
	if namespace != "" {
		fields["namespace"] = namespace
	}
	return fields
}

// RBACFields builds the standard field set for an authorization check.
func RBACFields(operation, actor string) StandardFields {
	return NewFields().Component("rbac").Operation(operation).Custom("subject", actor)
}

// MetricsFields builds the standard field set for a recorded metric.
func MetricsFields(operation, metricName string, value float64) StandardFields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// SecurityFields builds the standard field set for an authentication or
// authorization event.
func SecurityFields(operation, subject string) StandardFields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// PerformanceFields builds the standard field set for a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) StandardFields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}

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

// Package orchestrator applies rendered manifests to a Kubernetes
// cluster and reports back the workload's health, on behalf of the
// deployment reconciler.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/sirupsen/logrus"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/k8s"
)

// FieldManager is the server-side-apply field manager platformd
// identifies itself as.
const FieldManager = "platformd"

// Applier parses and applies rendered manifests, then confirms the
// resulting workload reaches a healthy state.
type Applier struct {
	client k8s.Client
	log    *logrus.Entry
}

// New builds an Applier atop an already-constructed k8s.Client.
func New(client k8s.Client, logger *logrus.Logger) *Applier {
	return &Applier{client: client, log: logger.WithField("component", "orchestrator")}
}

type resourceKey struct {
	group     string
	version   string
	kind      string
	namespace string
	name      string
}

// Apply parses manifestText as a multi-document YAML stream, decodes
// each document into an unstructured object, deduplicates by
// (GroupVersionKind, namespace, name) keeping the last document for a
// given key, and issues a server-side apply patch for each.
func (a *Applier) Apply(ctx context.Context, manifestText string, namespace string) error {
	docs, err := splitDocuments(manifestText)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to split manifest into YAML documents")
	}

	deduped := make(map[resourceKey]*unstructured.Unstructured, len(docs))
	order := make([]resourceKey, 0, len(docs))
	for _, doc := range docs {
		jsonDoc, err := utilyaml.ToJSON(doc)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to parse manifest document")
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(jsonDoc); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to decode manifest document")
		}
		if obj.GetNamespace() == "" && namespace != "" {
			obj.SetNamespace(namespace)
		}

		gvk := obj.GroupVersionKind()
		key := resourceKey{group: gvk.Group, version: gvk.Version, kind: gvk.Kind, namespace: obj.GetNamespace(), name: obj.GetName()}
		if _, exists := deduped[key]; !exists {
			order = append(order, key)
		}
		deduped[key] = obj
	}

	for _, key := range order {
		obj := deduped[key]
		if err := a.client.ApplyUnstructured(ctx, obj, FieldManager); err != nil {
			return classify(err, fmt.Sprintf("apply %s/%s", key.kind, key.name))
		}
		a.log.WithFields(logrus.Fields{"kind": key.kind, "namespace": key.namespace, "name": key.name}).Info("applied manifest")
	}
	return nil
}

// WaitHealthy polls workload's health until IsHealthy reports true,
// ctx is cancelled, or timeout elapses.
func (a *Applier) WaitHealthy(ctx context.Context, namespace, workload string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		healthy, err := a.client.IsHealthy(ctx, namespace, workload)
		if err != nil {
			return classify(err, fmt.Sprintf("check health of %s/%s", namespace, workload))
		}
		if healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return apperrors.NewTimeoutError(fmt.Sprintf("waiting for %s/%s to become healthy", namespace, workload))
		case <-ticker.C:
		}
	}
}

// Scale changes workload's replica count.
func (a *Applier) Scale(ctx context.Context, namespace, workload string, replicas int32) error {
	if err := a.client.ScaleDeployment(ctx, namespace, workload, replicas); err != nil {
		return classify(err, fmt.Sprintf("scale %s/%s", namespace, workload))
	}
	return nil
}

// classify maps a Kubernetes API error to the platform's error
// taxonomy: conflicts, server timeouts, and rate limiting are
// Unavailable (worth retrying); invalid/forbidden requests are
// Validation/Forbidden (retrying would not help).
func classify(err error, operation string) error {
	switch {
	case apierrors.IsConflict(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err):
		return apperrors.Wrapf(err, apperrors.ErrorTypeUnavailable, "%s: transient cluster error", operation)
	case apierrors.IsInvalid(err):
		return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "%s: invalid object", operation)
	case apierrors.IsForbidden(err):
		return apperrors.Wrapf(err, apperrors.ErrorTypeForbidden, "%s: forbidden by the cluster", operation)
	case apierrors.IsNotFound(err):
		return apperrors.Wrapf(err, apperrors.ErrorTypeNotFound, "%s: not found", operation)
	default:
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "%s: unexpected cluster error", operation)
	}
}

// splitDocuments splits a "---"-delimited YAML stream into individual
// document byte slices, skipping empty documents.
func splitDocuments(manifestText string) ([][]byte, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader([]byte(manifestText))))
	var docs [][]byte
	for {
		doc, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

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

package k8s

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/sirupsen/logrus"
)

// NewUnifiedClient builds a Client atop already-constructed clientset
// and dynamic-client handles. Production code reaches it through
// NewClient; tests construct clientset/dynamicClient from
// k8s.io/client-go/kubernetes/fake and k8s.io/client-go/dynamic/fake.
func NewUnifiedClient(clientset kubernetes.Interface, dynamicClient dynamic.Interface, logger *logrus.Logger) Client {
	return &client{
		clientset: clientset,
		dynamic:   dynamicClient,
		log:       logger.WithField("component", "k8s_client"),
	}
}

func (c *client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	dep, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}
	return dep, nil
}

func (c *client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pod %s/%s: %w", namespace, name, err)
	}
	return pod, nil
}

func (c *client) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	scale, err := c.clientset.AppsV1().Deployments(namespace).GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get scale for %s/%s: %w", namespace, name, err)
	}
	scale.Spec.Replicas = replicas
	if _, err := c.clientset.AppsV1().Deployments(namespace).UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update scale for %s/%s: %w", namespace, name, err)
	}
	c.log.WithFields(logrus.Fields{"namespace": namespace, "deployment": name, "replicas": replicas}).Info("scaled deployment")
	return nil
}

// IsHealthy reports whether name's observed replicas match its desired
// replicas and the Available condition is true. Grounded on the
// reconciler's "deployment is healthy" check (4.H).
func (c *client) IsHealthy(ctx context.Context, namespace, name string) (bool, error) {
	dep, err := c.GetDeployment(ctx, namespace, name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	if dep.Status.ReadyReplicas < desired || dep.Status.UpdatedReplicas < desired {
		return false, nil
	}

	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable {
			return cond.Status == corev1.ConditionTrue, nil
		}
	}
	return false, nil
}

// ApplyUnstructured issues a server-side apply patch for obj under
// fieldManager, the dynamic-client analogue of kubectl apply --server-side.
func (c *client) ApplyUnstructured(ctx context.Context, obj *unstructured.Unstructured, fieldManager string) error {
	gvk := obj.GroupVersionKind()
	gvr := gvkToGVR(gvk)

	data, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", gvk.Kind, obj.GetName(), err)
	}

	namespace := obj.GetNamespace()
	resourceClient := c.dynamic.Resource(gvr)
	patchOpts := metav1.PatchOptions{FieldManager: fieldManager, Force: boolPtr(true)}

	var applyErr error
	if namespace != "" {
		_, applyErr = resourceClient.Namespace(namespace).Patch(ctx, obj.GetName(), types.ApplyPatchType, data, patchOpts)
	} else {
		_, applyErr = resourceClient.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, patchOpts)
	}
	if applyErr != nil {
		return fmt.Errorf("apply %s %s/%s: %w", gvk.Kind, namespace, obj.GetName(), applyErr)
	}
	return nil
}

func (c *client) Clientset() kubernetes.Interface { return c.clientset }
func (c *client) Dynamic() dynamic.Interface       { return c.dynamic }

// gvkToGVR lowercases and pluralizes the kind. Good enough for the
// workload/core kinds the manifest renderer emits; a CRD with an
// irregular plural would need a RESTMapper, which is out of scope here.
func gvkToGVR(gvk schema.GroupVersionKind) schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    gvk.Group,
		Version:  gvk.Version,
		Resource: pluralize(gvk.Kind),
	}
}

func pluralize(kind string) string {
	lower := []rune(kind)
	for i, r := range lower {
		if r >= 'A' && r <= 'Z' {
			lower[i] = r + ('a' - 'A')
		}
	}
	s := string(lower)
	switch {
	case len(s) == 0:
		return s
	case s[len(s)-1] == 's':
		return s + "es"
	case s[len(s)-1] == 'y':
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}

func boolPtr(b bool) *bool { return &b }

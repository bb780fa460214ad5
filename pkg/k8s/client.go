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

// Package k8s wraps the Kubernetes client surface the orchestrator
// applier needs: reading workload status and scaling via the typed
// clientset, applying arbitrary manifests via the dynamic client.
package k8s

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sirupsen/logrus"

	"github.com/forgebase/platform/internal/config"
)

// BasicClient reads workload state.
type BasicClient interface {
	GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
}

// AdvancedClient mutates workload state.
type AdvancedClient interface {
	ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error
	IsHealthy(ctx context.Context, namespace, name string) (bool, error)
	ApplyUnstructured(ctx context.Context, obj *unstructured.Unstructured, fieldManager string) error
}

// Client composes read and mutation access plus the raw clientsets, for
// callers that need lower-level access (e.g. multi-document apply).
type Client interface {
	BasicClient
	AdvancedClient
	Clientset() kubernetes.Interface
	Dynamic() dynamic.Interface
}

type client struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	log       *logrus.Entry
}

// NewClient builds a Client from cfg, loading the kubeconfig from
// cfg.Kubeconfig (falling back to in-cluster config when empty).
func NewClient(cfg config.KubernetesConfig, logger *logrus.Logger) (Client, error) {
	restConfig, err := loadRESTConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build dynamic client: %w", err)
	}

	return NewUnifiedClient(clientset, dynamicClient, logger), nil
}

func loadRESTConfig(cfg config.KubernetesConfig) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		loadingRules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	if cfg.Context != "" {
		overrides.CurrentContext = cfg.Context
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

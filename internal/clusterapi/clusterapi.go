/*
Copyright 2025.

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

// Package clusterapi builds the typed client-go clientset this controller
// runs against. There is no controller-runtime manager or cache here — the
// engine talks to the API server directly via kubernetes.Interface.
package clusterapi

import (
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadConfig builds a *rest.Config, preferring in-cluster configuration
// (running inside a pod) and falling back to the local kubeconfig for
// development — grounded on original_source's load_kube_configuration.
func LoadConfig(log logr.Logger) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		log.Info("loaded in-cluster kubernetes configuration")
		return cfg, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load local kubeconfig: %w", err)
	}
	log.Info("loaded local kubeconfig")
	return cfg, nil
}

// NewClientset returns a typed clientset for the given rest config.
func NewClientset(cfg *rest.Config) (kubernetes.Interface, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes clientset: %w", err)
	}
	return clientset, nil
}

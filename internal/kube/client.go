package kube

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Target describes where the kubernetes registrar backend lives.
type Target struct {
	Kubeconfig string
	Context    string

	// Namespace overrides the namespace of the kubeconfig context. When empty the
	// context's namespace is used, then the pod's own namespace in-cluster.
	Namespace string
}

// NewClient creates a clientset using the following resolution order:
// 1. Explicit kubeconfig path
// 2. KUBECONFIG environment variable
// 3. ~/.kube/config
// 4. In-cluster config (when running as a pod)
//
// It returns the clientset and the namespace records should live in.
func NewClient(target Target) (kubernetes.Interface, string, error) {
	config, namespace, err := buildConfig(target)
	if err != nil {
		return nil, "", fmt.Errorf("building kubernetes config: %w", err)
	}
	if target.Namespace != "" {
		namespace = target.Namespace
	}
	if namespace == "" {
		namespace = "default"
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, "", fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, namespace, nil
}

func buildConfig(target Target) (*rest.Config, string, error) {
	if path := kubeconfigPath(target.Kubeconfig); path != "" {
		rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
		overrides := &clientcmd.ConfigOverrides{}
		if target.Context != "" {
			overrides.CurrentContext = target.Context
		}
		clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

		namespace, _, err := clientConfig.Namespace()
		if err != nil {
			return nil, "", err
		}
		restConfig, err := clientConfig.ClientConfig()
		if err != nil {
			return nil, "", err
		}
		return restConfig, namespace, nil
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, "", fmt.Errorf("no kubeconfig found and not running in-cluster: %w", err)
	}
	return restConfig, inClusterNamespace(), nil
}

func kubeconfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	defaultPath := filepath.Join(home, ".kube", "config")
	if _, err := os.Stat(defaultPath); err != nil {
		return ""
	}
	return defaultPath
}

const serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

func inClusterNamespace() string {
	data, err := os.ReadFile(serviceAccountNamespace)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

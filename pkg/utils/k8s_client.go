package utils

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

func InCluster() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// kubeconfigPath prefers $KUBECONFIG over ~/.kube/config.
func kubeconfigPath() string {
	if p := os.Getenv("KUBECONFIG"); p != "" {
		return p
	}
	return filepath.Join(homedir.HomeDir(), ".kube", "config")
}

// NewK8sClient builds the client used for lease based leader election.
func NewK8sClient(inCluster bool) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if inCluster {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath())
	}
	if err != nil {
		return nil, err
	}
	config.UserAgent = "fleetd"
	return kubernetes.NewForConfig(config)
}

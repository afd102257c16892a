package proxy

import (
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	run, err := runner.New(&strings.Builder{}, false)
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	run.SessionID = "test-session"
	t.Cleanup(func() { _ = run.RunCleanup() })
	return run
}

func newTestKubeClient() *kubeclient.Client {
	return &kubeclient.Client{Command: "kubectl", Namespace: "default"}
}

func newTestDeployment() *appsv1.Deployment {
	replicas := int32(3)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "myapp"},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "app",
						Image: "myapp:1.0",
						LivenessProbe: &corev1.Probe{},
						Args:          []string{"serve"},
					}},
				},
			},
		},
	}
}

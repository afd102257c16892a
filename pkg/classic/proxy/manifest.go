package proxy

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/klndev/tpclassic/pkg/classic/cliflags"
)

// ImageName picks the proxy image, prefixed with registry
// (TELEPRESENCE_REGISTRY, "datawire" by default): the OpenShift variant
// when TELEPRESENCE_USE_OCP_IMAGE forces it or ("auto") the cluster is
// OpenShift, privileged when any exposed port is below 1024, ordinary
// otherwise (spec.md section 4.3.1; matches get_image_name's ocp_env
// handling, including its "unrecognized value" warning).
func ImageName(log *logrus.Logger, registry, version string, clusterIsOpenShift bool, ocpOverride string, expose *cliflags.PortMapping) string {
	name := imageStandardName
	switch strings.ToLower(strings.TrimSpace(ocpOverride)) {
	case "true", "on", "yes", "1", "always":
		name = imageOpenShiftName
	case "false", "off", "no", "0", "never":
		// OpenShift image forbidden regardless of the cluster probe.
	case "", "auto", "automatic", "default":
		if clusterIsOpenShift {
			name = imageOpenShiftName
		}
	default:
		log.Warnf("Ignoring TELEPRESENCE_USE_OCP_IMAGE value %q; accepted values are yes, no, or auto. Using auto.", ocpOverride)
		if clusterIsOpenShift {
			name = imageOpenShiftName
		}
	}
	if name == imageStandardName && expose != nil && expose.HasPrivilegedPorts() {
		name = imagePrivilegedName
	}
	return registry + "/" + name + ":" + version
}

// NewPodManifest builds the Pod for the "new" ProxyOperation variant:
// CPU 25m-1, memory 64-256Mi, restartPolicy Never, labelled with the
// session id.
func NewPodManifest(name, sessionID, image, serviceAccount string, env map[string]string) *corev1.Pod {
	var envVars []corev1.EnvVar
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}
	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"telepresence": sessionID},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "telepresence",
				Image: image,
				Env:   envVars,
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resourceQuantity("1"),
						corev1.ResourceMemory: resourceQuantity("256Mi"),
					},
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resourceQuantity("25m"),
						corev1.ResourceMemory: resourceQuantity("64Mi"),
					},
				},
			}},
		},
	}
	if serviceAccount != "" {
		pod.Spec.ServiceAccountName = serviceAccount
	}
	return pod
}

// NewServiceManifest builds the ClusterIP Service exposing remote ports
// back from the new Pod, 1:1 port mapping as in make_svc_manifest.
func NewServiceManifest(name, sessionID string, remotePorts []int) *corev1.Service {
	labels := map[string]string{"telepresence": sessionID}
	svc := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels,
		},
	}
	for _, p := range remotePorts {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       portName(p),
			Port:       int32(p),
			TargetPort: intstr.FromInt(p),
		})
	}
	return svc
}

func portName(p int) string {
	return "port-" + strconv.Itoa(p)
}

func resourceQuantity(s string) resource.Quantity {
	return resource.MustParse(s)
}

package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"github.com/klndev/tpclassic/pkg/classic/cliflags"
	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/runner"
	"github.com/klndev/tpclassic/pkg/version"
)

// logManifestDebug dumps obj as YAML at debug level before it's applied,
// since a multi-container Pod/Deployment is much easier to read that way
// than as the single-line JSON actually sent to kubectl.
func logManifestDebug(run *runner.Runner, label string, obj interface{}) {
	if !run.Verbose {
		return
	}
	rendered, err := yaml.Marshal(obj)
	if err != nil {
		run.Log.Debugf("could not render %s as YAML: %v", label, err)
		return
	}
	run.Log.Debugf("%s manifest:\n%s", label, rendered)
}

// imageRegistry and imageVersion default ProxyIntent's TELEPRESENCE_REGISTRY
// / TELEPRESENCE_VERSION overrides when the caller left them unset.
func imageRegistry(intent ProxyIntent) string {
	if intent.Registry != "" {
		return intent.Registry
	}
	return "datawire"
}

func imageVersion(intent ProxyIntent) string {
	if intent.ImageVersion != "" {
		return intent.ImageVersion
	}
	return version.Version
}

// Operation is the prepare/act lifecycle shared by every proxy variant:
// prepare computes what to do without mutating the cluster, act mutates
// the cluster and registers the cleanup that undoes it.
type Operation interface {
	Prepare(run *runner.Runner, kube *kubeclient.Client) error
	Act(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error)
}

// podReadyTimeout bounds how long act() waits for the proxy pod to reach
// Running with all containers ready (spec.md section 5).
const podReadyTimeout = 120 * time.Second

// NewOperation creates a standalone Pod (and, if ports are exposed, a
// matching Service) running the proxy image.
type NewOperation struct {
	Intent ProxyIntent

	pod *corev1.Pod
	svc *corev1.Service
}

func (o *NewOperation) Prepare(run *runner.Runner, kube *kubeclient.Client) error {
	image := ImageName(run.Log, imageRegistry(o.Intent), imageVersion(o.Intent), kube.ClusterIsOpenShift, o.Intent.OCPOverride, o.Intent.Expose)
	o.pod = NewPodManifest(o.Intent.Name, run.SessionID, image, o.Intent.ServiceAccount, o.Intent.Env)
	if o.Intent.Expose != nil && len(o.Intent.Expose.Pairs()) > 0 {
		var remotePorts []int
		for port := range o.Intent.Expose.Remote() {
			remotePorts = append(remotePorts, port)
		}
		if len(remotePorts) > 0 {
			o.svc = NewServiceManifest(o.Intent.Name, run.SessionID, remotePorts)
		}
	}
	return nil
}

func (o *NewOperation) Act(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error) {
	run.Log.Infof("Starting network proxy to cluster using new Pod %s", o.Intent.Name)

	list := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "List",
		"items":      []interface{}{o.pod},
	}
	if o.svc != nil {
		list["items"] = append(list["items"].([]interface{}), o.svc)
	}
	logManifestDebug(run, "Pod/Service", list)
	data, err := json.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "encoding Pod/Service manifest")
	}
	if err := kube.ApplyJSON("create", data); err != nil {
		return nil, errors.Wrapf(err, "creating Pod/Service %s", o.Intent.Name)
	}

	selector := "telepresence=" + run.SessionID
	run.AddCleanup("Delete new Pod/Service", func() error {
		run.Log.Infof("Cleaning up Pod/Service %s", o.Intent.Name)
		return run.CheckCall(kube.Argv("delete", "--ignore-not-found", "--wait=false",
			"--selector="+selector, "svc,pod"))
	})

	return waitForPod(run, kube, o.Intent.Name, o.pod.Spec.Containers[0].Name)
}

// ExistingOperation proxies through an already-running Deployment or
// DeploymentConfig without modifying it; it only discovers container ports
// for --expose auto-merge.
type ExistingOperation struct {
	Intent        ProxyIntent
	DeploymentArg string // "name" or "name:container"
	IsOpenShift   bool

	podLabels map[string]string
	container string
}

func (o *ExistingOperation) Prepare(run *runner.Runner, kube *kubeclient.Client) error {
	kind := "deployment"
	if o.IsOpenShift {
		kind = "deploymentconfig"
	}
	var dep appsv1.Deployment
	if err := kube.GetJSON(&dep, kind, splitName(o.DeploymentArg)); err != nil {
		return errors.Wrapf(err, "finding %s %s", kind, o.DeploymentArg)
	}
	o.container = containerName(splitContainer(o.DeploymentArg), dep.Spec.Template.Spec.Containers)
	mergeAutomaticPorts(o.Intent.Expose, dep.Spec.Template.Spec.Containers, o.container)
	o.podLabels = dep.Spec.Template.ObjectMeta.Labels
	return nil
}

func (o *ExistingOperation) Act(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error) {
	kind := "Deployment"
	if o.IsOpenShift {
		kind = "DeploymentConfig"
	}
	run.Log.Infof("Starting network proxy to cluster using the existing proxy %s %s", kind, o.DeploymentArg)
	name := splitName(o.DeploymentArg)
	podName, err := discoverPodName(run, kube, name, o.podLabels, "")
	if err != nil {
		return nil, errors.Wrapf(err, "finding pod for %s %s", kind, o.DeploymentArg)
	}
	return waitForPod(run, kube, podName, o.container)
}

// SwapOperation replaces an existing Deployment/DeploymentConfig's pod
// template with the proxy image, scaling the original to zero and
// restoring it (and, on OpenShift, its image-change triggers) on cleanup.
type SwapOperation struct {
	Intent        ProxyIntent
	DeploymentArg string
	IsOpenShift   bool

	newName string
}

func (o *SwapOperation) Prepare(run *runner.Runner, kube *kubeclient.Client) error {
	return nil
}

func (o *SwapOperation) Act(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error) {
	if o.IsOpenShift {
		return o.actOpenShift(run, kube)
	}
	return o.actNative(run, kube)
}

func (o *SwapOperation) actNative(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error) {
	run.Log.Infof("Starting network proxy to cluster by swapping out Deployment %s with a proxy", o.DeploymentArg)

	name := splitName(o.DeploymentArg)
	var original appsv1.Deployment
	if err := kube.GetJSON(&original, "deployment", name); err != nil {
		return nil, errors.Wrapf(err, "fetching Deployment %s", name)
	}
	container := containerName(splitContainer(o.DeploymentArg), original.Spec.Template.Spec.Containers)

	swapped := original.DeepCopy()
	if err := applySwapTransform(run, kube, swapped, container, o.Intent); err != nil {
		return nil, err
	}

	o.newName = truncatedName(original.Name, run.SessionID)
	swapped.ObjectMeta.Name = o.newName
	swapped.ObjectMeta.ResourceVersion = ""

	replicas := int32(1)
	if original.Spec.Replicas != nil {
		replicas = *original.Spec.Replicas
	}

	run.AddCleanup("Delete new deployment", func() error {
		run.Log.Infof("Swapping Deployment %s back to its original state", o.DeploymentArg)
		return run.CheckCall(kube.Argv("delete", "deployment", o.newName))
	})
	if err := run.CheckCall(kube.Argv("delete", "--ignore-not-found", "deployment", o.newName)); err != nil {
		return nil, err
	}
	logManifestDebug(run, "swapped Deployment", swapped)
	data, err := json.Marshal(swapped)
	if err != nil {
		return nil, errors.Wrap(err, "encoding swapped Deployment")
	}
	if err := kube.ApplyJSON("apply", data); err != nil {
		return nil, errors.Wrapf(err, "applying swapped Deployment %s", o.newName)
	}

	run.AddCleanup("Re-scale original deployment", func() error {
		return run.CheckCall(kube.Argv("scale", "deployment", name, fmt.Sprintf("--replicas=%d", replicas)))
	})
	if err := run.CheckCall(kube.Argv("scale", "deployment", name, "--replicas=0")); err != nil {
		return nil, err
	}

	podName, err := discoverPodName(run, kube, o.newName, swapped.Spec.Template.ObjectMeta.Labels, "telepresence="+run.SessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "finding pod for swapped Deployment %s", o.newName)
	}
	return waitForPod(run, kube, podName, container)
}

// getRawJSONExportable and getJSONExportable probe for "oc get --export"
// support rather than assuming it: newer oc/kubectl releases removed
// --export entirely, so a cluster-wide hardcoded flag breaks there. Try
// the flag first (it still matters on older clusters, where it strips
// server-set fields like status and resourceVersion from the fetched
// DeploymentConfig) and retry without it once kubectl/oc reports the flag
// as unknown.
func getRawJSONExportable(kube *kubeclient.Client, args ...string) ([]byte, error) {
	out, err := kube.GetRawJSON(append(append([]string{}, args...), "--export")...)
	if err != nil && isUnknownFlagError(err) {
		return kube.GetRawJSON(args...)
	}
	return out, err
}

func getJSONExportable(kube *kubeclient.Client, v interface{}, args ...string) error {
	err := kube.GetJSON(v, append(append([]string{}, args...), "--export")...)
	if err != nil && isUnknownFlagError(err) {
		return kube.GetJSON(v, args...)
	}
	return err
}

// isUnknownFlagError reports whether err looks like kubectl/oc rejecting an
// unrecognized flag, e.g. "unknown flag: --export".
func isUnknownFlagError(err error) bool {
	return strings.Contains(err.Error(), "unknown flag")
}

func (o *SwapOperation) actOpenShift(run *runner.Runner, kube *kubeclient.Client) (*RemoteInfo, error) {
	name := splitName(o.DeploymentArg)
	ref := "dc/" + name

	withTriggers, err := getRawJSONExportable(kube, ref, "-o", "json")
	if err != nil {
		return nil, errors.Wrapf(err, "fetching DeploymentConfig %s with triggers", name)
	}
	if err := run.CheckCall(kube.Argv("set", "triggers", ref, "--remove-all")); err != nil {
		return nil, errors.Wrap(err, "clearing DeploymentConfig triggers")
	}

	var dc appsv1.Deployment
	if err := getJSONExportable(kube, &dc, ref); err != nil {
		return nil, errors.Wrapf(err, "fetching DeploymentConfig %s", name)
	}

	applyAndRollOut := func(data []byte) error {
		if err := kube.ApplyJSON("replace", data); err != nil {
			return err
		}
		if err := run.CheckCall(kube.Argv("rollout", "latest", ref)); err != nil {
			return err
		}
		return run.CheckCall(kube.Argv("rollout", "status", "-w", ref))
	}

	run.AddCleanup("Restore original deployment config", func() error {
		return applyAndRollOut(withTriggers)
	})

	container := containerName(splitContainer(o.DeploymentArg), dc.Spec.Template.Spec.Containers)
	swapped := dc.DeepCopy()
	if err := applySwapTransform(run, kube, swapped, container, o.Intent); err != nil {
		return nil, err
	}
	logManifestDebug(run, "swapped DeploymentConfig", swapped)
	data, err := json.Marshal(swapped)
	if err != nil {
		return nil, errors.Wrap(err, "encoding swapped DeploymentConfig")
	}
	if err := applyAndRollOut(data); err != nil {
		return nil, errors.Wrap(err, "applying swapped DeploymentConfig")
	}

	podName, err := discoverPodName(run, kube, name, swapped.Spec.Template.ObjectMeta.Labels, "telepresence="+run.SessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "finding pod for swapped DeploymentConfig %s", name)
	}
	return waitForPod(run, kube, podName, container)
}

// applySwapTransform mutates dep in place per new_swapped_deployment:
// single replica, telepresence labels, proxy image, stripped probes/args,
// explicit run command, plus deployment_env and the namespace field-ref
// env var the in-pod forwarder relies on.
func applySwapTransform(run *runner.Runner, kube *kubeclient.Client, dep *appsv1.Deployment, container string, intent ProxyIntent) error {
	replicas := int32(1)
	dep.Spec.Replicas = &replicas
	if dep.ObjectMeta.Labels == nil {
		dep.ObjectMeta.Labels = map[string]string{}
	}
	dep.ObjectMeta.Labels["telepresence"] = run.SessionID
	if dep.Spec.Template.ObjectMeta.Labels == nil {
		dep.Spec.Template.ObjectMeta.Labels = map[string]string{}
	}
	dep.Spec.Template.ObjectMeta.Labels["telepresence"] = run.SessionID
	if intent.ServiceAccount != "" {
		dep.Spec.Template.Spec.ServiceAccountName = intent.ServiceAccount
	}

	for i := range dep.Spec.Template.Spec.Containers {
		c := &dep.Spec.Template.Spec.Containers[i]
		if c.Name != container {
			continue
		}
		var tcpPorts []int
		for _, p := range c.Ports {
			if p.Protocol == corev1.ProtocolTCP || p.Protocol == "" {
				tcpPorts = append(tcpPorts, int(p.ContainerPort))
			}
		}
		intent.Expose.MergeAutomaticPorts(tcpPorts)
		c.Image = ImageName(run.Log, imageRegistry(intent), imageVersion(intent), kube.ClusterIsOpenShift, intent.OCPOverride, intent.Expose)
		c.ImagePullPolicy = corev1.PullIfNotPresent
		c.Args = nil
		c.StartupProbe = nil
		c.LivenessProbe = nil
		c.ReadinessProbe = nil
		c.WorkingDir = ""
		c.Lifecycle = nil
		c.Command = []string{"/usr/src/app/run.sh"}
		c.TerminationMessagePolicy = corev1.TerminationMessageFallbackToLogsOnError
		for k, v := range intent.Env {
			c.Env = append(c.Env, corev1.EnvVar{Name: k, Value: v})
		}
		c.Env = append(c.Env, corev1.EnvVar{
			Name: "TELEPRESENCE_CONTAINER_NAMESPACE",
			ValueFrom: &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"},
			},
		})
		return nil
	}
	return errors.Errorf("couldn't find container %s in the Deployment", container)
}

// truncatedName computes "{name:.{max}}-{id}" so the result stays within
// Kubernetes's 63-character object name limit, leaving room for the run
// id and the separating dash (50 - (len(id)+1) characters of name).
func truncatedName(name, runID string) string {
	maxWidth := 50 - (len(runID) + 1)
	if maxWidth < 0 {
		maxWidth = 0
	}
	if len(name) > maxWidth {
		name = name[:maxWidth]
	}
	return name + "-" + runID
}

func splitName(deploymentArg string) string {
	return strings.SplitN(deploymentArg, ":", 2)[0]
}

func splitContainer(deploymentArg string) string {
	parts := strings.SplitN(deploymentArg, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func containerName(explicit string, containers []corev1.Container) string {
	if explicit != "" {
		return explicit
	}
	if len(containers) == 0 {
		return ""
	}
	return containers[0].Name
}

func mergeAutomaticPorts(expose *cliflags.PortMapping, containers []corev1.Container, containerToUpdate string) {
	if expose == nil {
		return
	}
	for _, c := range containers {
		if c.Name != containerToUpdate {
			continue
		}
		var ports []int
		for _, p := range c.Ports {
			if p.Protocol == corev1.ProtocolTCP || p.Protocol == "" {
				ports = append(ports, int(p.ContainerPort))
			}
		}
		expose.MergeAutomaticPorts(ports)
		return
	}
}

package proxy

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"

	"github.com/klndev/tpclassic/pkg/classic/kubeclient"
	"github.com/klndev/tpclassic/pkg/classic/runner"
)

// discoverPodName finds the concrete pod backing a Deployment or
// DeploymentConfig named namePrefix, matching get_remote_info's discovery
// loop: list pods (scoped by selector when one is given), keep only those
// whose name starts with "namePrefix-", whose phase is Pending or Running,
// and whose labels are a superset of expectedLabels, then return the first
// match's name. Polls once a second, up to podReadyTimeout.
func discoverPodName(run *runner.Runner, kube *kubeclient.Client, namePrefix string, expectedLabels map[string]string, selector string) (string, error) {
	var found string
	err := run.LoopUntil(podReadyTimeout, time.Second, func(int) (bool, error) {
		var pods corev1.PodList
		args := []string{"pod"}
		if selector != "" {
			args = append(args, "--selector="+selector)
		}
		if err := kube.GetJSON(&pods, args...); err != nil {
			return false, nil
		}
		for _, pod := range pods.Items {
			if !strings.HasPrefix(pod.Name, namePrefix+"-") {
				continue
			}
			if pod.Status.Phase != corev1.PodPending && pod.Status.Phase != corev1.PodRunning {
				continue
			}
			if !labelsSubset(expectedLabels, pod.Labels) {
				continue
			}
			found = pod.Name
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "pod for %s crashed while waiting for it to start", namePrefix)
	}
	if found == "" {
		return "", errors.Errorf("no pod for %s found", namePrefix)
	}
	return found, nil
}

// labelsSubset reports whether actual contains every key/value pair in
// expected.
func labelsSubset(expected, actual map[string]string) bool {
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

// waitForPod polls for podName to reach Running with containerName ready,
// up to podReadyTimeout, matching wait_for_pod's 120s/0.25s poll loop.
func waitForPod(run *runner.Runner, kube *kubeclient.Client, podName, containerName string) (*RemoteInfo, error) {
	var pod corev1.Pod
	var ready bool
	err := run.LoopUntil(podReadyTimeout, 250*time.Millisecond, func(int) (bool, error) {
		var p corev1.Pod
		if err := kube.GetJSON(&p, "pod", podName); err != nil {
			return false, nil
		}
		pod = p
		if pod.Status.Phase != corev1.PodRunning {
			return false, nil
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == containerName && cs.Ready {
				ready = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pod %s crashed while waiting for it to start", podName)
	}
	if !ready {
		return nil, errors.Errorf("pod %s isn't starting or can't be found", podName)
	}
	return &RemoteInfo{
		Ident:         ResourceIdent{Namespace: kube.Namespace, Name: podName},
		PodName:       podName,
		ContainerName: containerName,
		ImageTag:      imageTag(pod.Spec.Containers, containerName),
	}, nil
}

// imageTag returns the tag portion of containerName's image, "" if it
// can't be determined.
func imageTag(containers []corev1.Container, containerName string) string {
	for _, c := range containers {
		if c.Name != containerName {
			continue
		}
		idx := strings.LastIndex(c.Image, ":")
		if idx < 0 {
			return ""
		}
		return c.Image[idx+1:]
	}
	return ""
}

// CheckVersion fails the session if remoteInfo's image tag doesn't match
// the client's own version, matching get_remote_info's fatal
// version-mismatch check.
func CheckVersion(run *runner.Runner, remoteInfo *RemoteInfo, clientVersion string) error {
	if remoteInfo.ImageTag == "" || remoteInfo.ImageTag == clientVersion {
		return nil
	}
	return run.Fail(
		"The remote proxy container is running version "+remoteInfo.ImageTag+
			", but this tool is version "+clientVersion+
			". Please make sure both are running the same version.",
		runner.ExitSessionLost,
	)
}

package driver

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
)

const (
	labelManagedBy       = "managed-by"
	labelValue           = "bay"
	sandboxNameHashLabel = "agents.x-k8s.io/sandbox-name-hash"
)

// K8sDriver implements Driver against a Kubernetes cluster, modelling a
// single-container session as one Sandbox custom resource and a
// multi-container session as one Sandbox with several pod containers
// sharing the pod's network namespace.
type K8sDriver struct {
	cfg       K8sConfig
	k8s       client.Client
	clientset kubernetes.Interface
	restCfg   *rest.Config
}

// NewK8sDriver builds a controller-runtime client plus a typed clientset,
// using in-cluster config when available and falling back to KUBECONFIG.
func NewK8sDriver(cfg K8sConfig) (*K8sDriver, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(scheme))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return &K8sDriver{cfg: cfg, k8s: k8sClient, clientset: clientset, restCfg: restCfg}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (d *K8sDriver) Kind() string { return "k8s" }

func sandboxName(labels Labels) string {
	return "bay-sbx-" + shortID(labels.SandboxID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

func cpuQuantity(nanoCPUs int64) resource.Quantity {
	millis := nanoCPUs / 1e6
	if millis == 0 {
		millis = 1000
	}
	return *resource.NewMilliQuantity(millis, resource.DecimalSI)
}

// memoryLimitAndRequest returns a (limit, request) pair; the request is half
// the limit to allow scheduler overcommit, a pattern distinct from Docker
// where only a hard limit exists.
func memoryLimitAndRequest(bytes int64) (resource.Quantity, resource.Quantity) {
	if bytes == 0 {
		bytes = 2 * 1024 * 1024 * 1024
	}
	limit := *resource.NewQuantity(bytes, resource.BinarySI)
	req := *resource.NewQuantity(bytes/2, resource.BinarySI)
	return limit, req
}

func buildContainer(spec CreateSpec) corev1.Container {
	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	limit, req := memoryLimitAndRequest(spec.MemoryBytes)
	cpu := cpuQuantity(spec.NanoCPUs)

	var mounts []corev1.VolumeMount
	if spec.CargoRef != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: "workspace", MountPath: workspaceMountPath})
	}

	name := spec.Labels.ContainerName
	if name == "" {
		name = "ship"
	}

	return corev1.Container{
		Name:         name,
		Image:        spec.Image,
		Env:          env,
		VolumeMounts: mounts,
		Resources: corev1.ResourceRequirements{
			Limits:   corev1.ResourceList{corev1.ResourceMemory: limit, corev1.ResourceCPU: cpu},
			Requests: corev1.ResourceList{corev1.ResourceMemory: req, corev1.ResourceCPU: cpu},
		},
	}
}

func buildSandboxCR(namespace, name string, labels Labels, containers []corev1.Container, cargoRef string, cfg K8sConfig) *sandboxv1alpha1.Sandbox {
	var volumes []corev1.Volume
	if cargoRef != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: cargoRef},
			},
		})
	}

	var runtimeClass *string
	if cfg.RuntimeClassName != "" {
		runtimeClass = &cfg.RuntimeClassName
	}

	l := labels.ToMap()
	l[labelManagedBy] = labelValue

	return &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    l,
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{Labels: l},
				Spec: corev1.PodSpec{
					Containers:       containers,
					Volumes:          volumes,
					RuntimeClassName: runtimeClass,
					RestartPolicy:    corev1.RestartPolicyNever,
				},
			},
		},
	}
}

func (d *K8sDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	name := sandboxName(spec.Labels)
	container := buildContainer(spec)
	sb := buildSandboxCR(d.cfg.Namespace, name, spec.Labels, []corev1.Container{container}, spec.CargoRef, d.cfg)
	if err := d.k8s.Create(ctx, sb); err != nil {
		return "", fmt.Errorf("create sandbox CR: %w", err)
	}
	return name, nil
}

func (d *K8sDriver) Start(ctx context.Context, containerID string, runtimePort int) (string, error) {
	podIP, err := d.waitForReady(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("sandbox not ready: %w", err)
	}
	return fmt.Sprintf("http://%s:%d", podIP, runtimePort), nil
}

func isSandboxReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func (d *K8sDriver) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(d.cfg.PodStartupTimeout)
	hash := nameHash(name)

	for time.Now().Before(deadline) {
		pods, err := d.clientset.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: sandboxNameHashLabel + "=" + hash,
		})
		if err == nil {
			for _, pod := range pods.Items {
				switch pod.Status.Phase {
				case corev1.PodFailed, corev1.PodSucceeded:
					return "", fmt.Errorf("pod %s entered terminal phase %s", pod.Name, pod.Status.Phase)
				case corev1.PodRunning:
					if pod.Status.PodIP != "" {
						var sb sandboxv1alpha1.Sandbox
						key := client.ObjectKey{Namespace: d.cfg.Namespace, Name: name}
						if getErr := d.k8s.Get(ctx, key, &sb); getErr == nil && isSandboxReady(&sb) {
							return pod.Status.PodIP, nil
						}
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for sandbox %s", name)
}

func isK8sNotFound(err error) bool {
	return err != nil && client.IgnoreNotFound(err) == nil
}

func (d *K8sDriver) deleteSandbox(ctx context.Context, containerID string) error {
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: containerID, Namespace: d.cfg.Namespace},
	}
	if err := d.k8s.Delete(ctx, sb); err != nil {
		if isK8sNotFound(err) {
			log.Printf("k8s driver: sandbox %s not found, ignoring", containerID)
			return nil
		}
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

// Stop deletes the Sandbox CR; pods are ephemeral in this driver, so Stop
// and Destroy do the same thing. Neither touches the cargo PVC, which lives
// independently of the CR, so a later EnsureRunning can bind it again (the
// manager, not the driver, decides whether to recreate the CR).
func (d *K8sDriver) Stop(ctx context.Context, containerID string) error {
	return d.deleteSandbox(ctx, containerID)
}

func (d *K8sDriver) Destroy(ctx context.Context, containerID string) error {
	return d.deleteSandbox(ctx, containerID)
}

func (d *K8sDriver) Status(ctx context.Context, containerID string, runtimePort int) (ContainerInfo, error) {
	var sb sandboxv1alpha1.Sandbox
	key := client.ObjectKey{Namespace: d.cfg.Namespace, Name: containerID}
	if err := d.k8s.Get(ctx, key, &sb); err != nil {
		if isK8sNotFound(err) {
			return ContainerInfo{Status: StatusNotFound}, nil
		}
		return ContainerInfo{}, fmt.Errorf("get sandbox: %w", err)
	}

	if !isSandboxReady(&sb) {
		return ContainerInfo{Status: StatusCreated}, nil
	}

	pods, err := d.clientset.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: sandboxNameHashLabel + "=" + nameHash(containerID),
	})
	if err != nil || len(pods.Items) == 0 {
		return ContainerInfo{Status: StatusCreated}, nil
	}
	pod := pods.Items[0]
	switch pod.Status.Phase {
	case corev1.PodRunning:
		info := ContainerInfo{Status: StatusRunning}
		if runtimePort != 0 && pod.Status.PodIP != "" {
			info.Endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtimePort)
		}
		return info, nil
	case corev1.PodSucceeded, corev1.PodFailed:
		ec := 0
		if pod.Status.Phase == corev1.PodFailed {
			ec = 1
		}
		return ContainerInfo{Status: StatusExited, ExitCode: &ec}, nil
	default:
		return ContainerInfo{Status: StatusCreated}, nil
	}
}

func (d *K8sDriver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	pods, err := d.clientset.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: sandboxNameHashLabel + "=" + nameHash(containerID),
	})
	if err != nil || len(pods.Items) == 0 {
		return "", fmt.Errorf("logs: no pod found for sandbox %s", containerID)
	}
	tailLines := int64(tail)
	req := d.clientset.CoreV1().Pods(d.cfg.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tailLines})
	rc, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("stream logs: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(b), nil
}

func (d *K8sDriver) cargoSize() resource.Quantity {
	size := d.cfg.CargoSize
	if size == "" {
		size = "10Gi"
	}
	return resource.MustParse(size)
}

func (d *K8sDriver) CreateVolume(ctx context.Context, name string, labels Labels) (string, error) {
	l := labels.ToMap()
	l[labelManagedBy] = labelValue
	storageClass := d.cfg.StorageClassName

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.cfg.Namespace, Labels: l},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: d.cargoSize()},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}
	if _, err := d.clientset.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create pvc: %w", err)
	}
	return name, nil
}

func (d *K8sDriver) DeleteVolume(ctx context.Context, name string) error {
	err := d.clientset.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		if isK8sNotFound(err) {
			log.Printf("k8s driver: pvc %s not found, ignoring", name)
			return nil
		}
		return fmt.Errorf("delete pvc: %w", err)
	}
	return nil
}

func (d *K8sDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if isK8sNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get pvc: %w", err)
	}
	return true, nil
}

func (d *K8sDriver) ListRuntimeInstances(ctx context.Context, filter map[string]string) ([]RuntimeInstance, error) {
	var list sandboxv1alpha1.SandboxList
	opts := []client.ListOption{client.InNamespace(d.cfg.Namespace)}
	if len(filter) > 0 {
		opts = append(opts, client.MatchingLabels(filter))
	}
	if err := d.k8s.List(ctx, &list, opts...); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]RuntimeInstance, 0, len(list.Items))
	for _, sb := range list.Items {
		state := "created"
		if isSandboxReady(&sb) {
			state = "running"
		}
		out = append(out, RuntimeInstance{
			ID:        sb.Name,
			Name:      sb.Name,
			Labels:    sb.Labels,
			State:     state,
			CreatedAt: sb.CreationTimestamp.Time,
		})
	}
	return out, nil
}

func (d *K8sDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.deleteSandbox(ctx, id)
}

// CreateSessionNetwork is a no-op on Kubernetes: containers within one
// Sandbox's pod already share a network namespace, and cross-sandbox
// traffic is not part of this driver's contract.
func (d *K8sDriver) CreateSessionNetwork(ctx context.Context, sessionID string, labels Labels) (string, error) {
	return "pod-netns-" + sessionID, nil
}

func (d *K8sDriver) RemoveSessionNetwork(ctx context.Context, networkName string) error {
	return nil
}

// CreateMulti builds ONE Sandbox CR whose pod carries every requested
// container, so they share localhost instead of needing a session network.
func (d *K8sDriver) CreateMulti(ctx context.Context, specs []CreateSpec, networkName string) ([]MultiContainerInfo, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("create multi: no container specs")
	}
	containers := make([]corev1.Container, 0, len(specs))
	var cargoRef string
	for _, spec := range specs {
		containers = append(containers, buildContainer(spec))
		if cargoRef == "" {
			cargoRef = spec.CargoRef
		}
	}
	name := sandboxName(specs[0].Labels)
	sb := buildSandboxCR(d.cfg.Namespace, name, specs[0].Labels, containers, cargoRef, d.cfg)
	if err := d.k8s.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("create multi-container sandbox CR: %w", err)
	}

	infos := make([]MultiContainerInfo, 0, len(specs))
	for _, spec := range specs {
		infos = append(infos, MultiContainerInfo{
			Name:        spec.Labels.ContainerName,
			ContainerID: name,
			RuntimeType: spec.Labels.RuntimeType,
			Status:      StatusCreated,
			RuntimePort: spec.RuntimePort,
		})
	}
	return infos, nil
}

// StartMulti waits once for the shared pod to become ready, then resolves
// one endpoint per container against the single pod IP.
func (d *K8sDriver) StartMulti(ctx context.Context, infos []MultiContainerInfo) ([]MultiContainerInfo, error) {
	if len(infos) == 0 {
		return infos, nil
	}
	podIP, err := d.waitForReady(ctx, infos[0].ContainerID)
	if err != nil {
		return infos, fmt.Errorf("sandbox not ready: %w", err)
	}
	out := make([]MultiContainerInfo, len(infos))
	copy(out, infos)
	for i := range out {
		out[i].Endpoint = fmt.Sprintf("http://%s:%d", podIP, out[i].RuntimePort)
		out[i].Status = StatusRunning
	}
	return out, nil
}

// StopMulti deletes the shared Sandbox CR once; every listed container name
// must point at the same ContainerID since they share one pod.
func (d *K8sDriver) StopMulti(ctx context.Context, infos []MultiContainerInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return d.deleteSandbox(ctx, infos[0].ContainerID)
}

func (d *K8sDriver) DestroyMulti(ctx context.Context, infos []MultiContainerInfo) error {
	return d.StopMulti(ctx, infos)
}

var _ Driver = (*K8sDriver)(nil)

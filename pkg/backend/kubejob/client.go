// Package kubejob implements backend.Platform against a Kubernetes
// cluster, representing each container as a batch/v1 Job (one pod,
// restartPolicy Never) and each volume as a PersistentVolumeClaim.
package kubejob

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fluxpod/fluxpod/internal/ociprobe"
	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is a kubejob backend.Platform implementation. It talks to a
// single cluster/namespace pair; cross-cluster scheduling is handled by
// running one Client per target cluster (spec §4.5 "accelerator
// inventory is backend-specific").
type Client struct {
	clientset         *kubernetes.Clientset
	namespace         string
	accelerators      []backend.AcceleratorInfo
	storageClass      string
	registryAuthToken string
	http              *http.Client
	logger            zerolog.Logger
}

// Config describes how to reach the cluster. The accelerators the cluster
// exposes are read from node allocatable resources by ListAccelerators;
// Config.Accelerators only supplies the memory size reported for each
// resource name.
type Config struct {
	Kubeconfig        string
	Namespace         string
	StorageClass      string
	Accelerators      []backend.AcceleratorInfo
	RegistryAuthToken string
}

// New builds a Client from the given kubeconfig path, or in-cluster
// config when kubeconfig is empty.
func New(cfg Config) (*Client, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, backend.NewError(backend.ErrPermanent, "build kubeconfig", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, backend.NewError(backend.ErrPermanent, "build clientset", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "fluxpod"
	}
	return &Client{
		clientset:         clientset,
		namespace:         ns,
		accelerators:      cfg.Accelerators,
		storageClass:      cfg.StorageClass,
		registryAuthToken: cfg.RegistryAuthToken,
		http:              &http.Client{Timeout: 10 * time.Second},
		logger:            log.WithComponent("backend.kubejob"),
	}, nil
}

// ListAccelerators reports node-level GPU resource names from
// CoreV1().Nodes(), aggregating allocatable quantities across the
// cluster by extended resource name. Kubernetes has no accelerator SKU
// catalog, so per-SKU memory size is looked up from the operator-supplied
// Config.Accelerators table by resource name when available, 0 otherwise.
func (c *Client) ListAccelerators(ctx context.Context) ([]backend.AcceleratorInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "list_accelerators")

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "list_accelerators", string(backend.ErrTransient)).Inc()
		return nil, backend.NewError(backend.ErrTransient, "list nodes", err)
	}

	memoryGB := make(map[string]int, len(c.accelerators))
	for _, a := range c.accelerators {
		memoryGB[a.InternalName] = a.MemoryGB
	}

	totals := make(map[string]int64)
	for _, node := range nodes.Items {
		for name, qty := range node.Status.Allocatable {
			if !isAcceleratorResource(name) {
				continue
			}
			totals[string(name)] += qty.Value()
		}
	}

	out := make([]backend.AcceleratorInfo, 0, len(totals))
	for name, total := range totals {
		out = append(out, backend.AcceleratorInfo{
			InternalName: name,
			BackendName:  name,
			Available:    total > 0,
			MemoryGB:     memoryGB[name],
		})
	}
	return out, nil
}

// isAcceleratorResource reports whether a node's allocatable resource
// name denotes a GPU-style extended resource. Vendor device plugins
// (nvidia.com/gpu, amd.com/gpu, ...) publish accelerators as extended
// resources under a vendor domain; there is no built-in predicate for
// this in client-go.
func isAcceleratorResource(name corev1.ResourceName) bool {
	s := string(name)
	if !strings.Contains(s, "/") {
		return false
	}
	return strings.Contains(s, "gpu") || strings.Contains(s, "accelerator")
}

// ListDatacenters reports the single cluster this Client was built
// against as the only candidate "datacenter" (spec §4.5: a backend may
// return exactly one candidate when it has no internal notion of
// multiple regions).
func (c *Client) ListDatacenters(ctx context.Context, acceleratorType string, count int) ([]backend.Datacenter, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "list_datacenters")

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "list_datacenters", string(backend.ErrTransient)).Inc()
		return nil, backend.NewError(backend.ErrTransient, "list nodes", err)
	}
	stock := backend.StockLow
	if len(nodes.Items) > 8 {
		stock = backend.StockHigh
	} else if len(nodes.Items) > 2 {
		stock = backend.StockMedium
	}
	return []backend.Datacenter{{
		ID:               "cluster",
		Location:         "in-cluster",
		StorageSupported: c.storageClass != "",
		Stock:            stock,
	}}, nil
}

func (c *Client) EnsureVolume(ctx context.Context, owner, datacenter string, sizeGB int) (*backend.VolumeHandle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "ensure_volume")

	name := pvcName(owner)
	pvcs := c.clientset.CoreV1().PersistentVolumeClaims(c.namespace)

	existing, err := pvcs.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return &backend.VolumeHandle{ID: existing.Name}, nil
	}
	if !apierrors.IsNotFound(err) {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "ensure_volume", string(backend.ErrTransient)).Inc()
		return nil, backend.NewError(backend.ErrTransient, "get pvc", err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    map[string]string{"fluxpod.io/owner": owner},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", sizeGB)),
				},
			},
		},
	}
	if c.storageClass != "" {
		pvc.Spec.StorageClassName = &c.storageClass
	}

	created, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "ensure_volume", string(backend.ErrPermanent)).Inc()
		return nil, backend.NewError(backend.ErrPermanent, "create pvc", err)
	}
	return &backend.VolumeHandle{ID: created.Name}, nil
}

func (c *Client) CreatePod(ctx context.Context, spec backend.PodSpec) (*backend.PodHandle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "create_pod")

	jobName := jobName(spec.Name)
	container := corev1.Container{
		Name:  "main",
		Image: spec.Image,
	}
	if spec.Command != "" {
		container.Command = []string{spec.Command}
	}
	container.Args = spec.Args
	for k, v := range spec.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: k, Value: v})
	}
	for _, p := range spec.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: int32(p)})
	}

	resources := corev1.ResourceRequirements{Limits: corev1.ResourceList{}}
	if spec.AcceleratorID != "" && spec.AcceleratorCt > 0 {
		resources.Limits[corev1.ResourceName(spec.AcceleratorID)] = resource.MustParse(fmt.Sprintf("%d", spec.AcceleratorCt))
	}
	container.Resources = resources

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}
	if spec.Volume != nil {
		podSpec.Volumes = []corev1.Volume{{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.Volume.ID},
			},
		}}
		podSpec.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: "data", MountPath: "/data"}}
	}

	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: c.namespace,
			Labels:    map[string]string{"fluxpod.io/container-name": spec.Name},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"fluxpod.io/job": jobName}},
				Spec:       podSpec,
			},
		},
	}

	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "create_pod", string(backend.ErrPermanent)).Inc()
		return nil, backend.NewError(backend.ErrPermanent, "create job", err)
	}
	return &backend.PodHandle{PodID: created.Name}, nil
}

func (c *Client) GetPod(ctx context.Context, podID string) (*backend.PodObservation, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "get_pod")

	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, podID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "get_pod", string(backend.ErrNotFound)).Inc()
			return nil, backend.NewError(backend.ErrNotFound, "job not found", err)
		}
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "get_pod", string(backend.ErrTransient)).Inc()
		return nil, backend.NewError(backend.ErrTransient, "get job", err)
	}

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "fluxpod.io/job=" + podID,
	})
	if err != nil {
		return nil, backend.NewError(backend.ErrTransient, "list job pods", err)
	}

	return &backend.PodObservation{
		PodID: podID,
		Name:  job.Labels["fluxpod.io/container-name"],
		Phase: phaseFromJob(job, pods.Items),
		Ports: nil,
	}, nil
}

func phaseFromJob(job *batchv1.Job, pods []corev1.Pod) backend.PodPhase {
	if job.Status.Succeeded > 0 {
		return backend.PodExited
	}
	if job.Status.Failed > 0 {
		return backend.PodFailed
	}
	for _, p := range pods {
		switch p.Status.Phase {
		case corev1.PodRunning:
			return backend.PodRunning
		case corev1.PodSucceeded:
			return backend.PodExited
		case corev1.PodFailed:
			return backend.PodFailed
		}
	}
	return backend.PodPending
}

func (c *Client) ListPods(ctx context.Context) ([]backend.PodObservation, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "list_pods")

	jobs, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "fluxpod.io/container-name",
	})
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "list_pods", string(backend.ErrTransient)).Inc()
		return nil, backend.NewError(backend.ErrTransient, "list jobs", err)
	}

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, backend.NewError(backend.ErrTransient, "list pods", err)
	}
	byJob := map[string][]corev1.Pod{}
	for _, p := range pods.Items {
		if j, ok := p.Labels["fluxpod.io/job"]; ok {
			byJob[j] = append(byJob[j], p)
		}
	}

	out := make([]backend.PodObservation, 0, len(jobs.Items))
	for i := range jobs.Items {
		job := &jobs.Items[i]
		out = append(out, backend.PodObservation{
			PodID: job.Name,
			Name:  job.Labels["fluxpod.io/container-name"],
			Phase: phaseFromJob(job, byJob[job.Name]),
		})
	}
	return out, nil
}

func (c *Client) DeletePod(ctx context.Context, podID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "kubejob", "delete_pod")

	propagation := metav1.DeletePropagationForeground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, podID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		metrics.BackendCallErrorsTotal.WithLabelValues("kubejob", "delete_pod", string(backend.ErrTransient)).Inc()
		return backend.NewError(backend.ErrTransient, "delete job", err)
	}
	return nil
}

// PullImageConfig has no cluster-native equivalent — Kubernetes itself
// never inspects an image's default user — so, unlike the GPU cloud
// backend's control-plane proxy endpoint, this adapter probes the OCI
// registry directly using the same distribution-spec client the
// reconciler would otherwise have to call itself.
func (c *Client) PullImageConfig(ctx context.Context, image string) (*backend.OCIConfig, error) {
	user, err := ociprobe.FetchDefaultUser(ctx, c.http, c.registryAuthToken, image)
	if err != nil {
		return nil, backend.NewError(backend.ErrTransient, "probe image config", err)
	}
	return &backend.OCIConfig{User: user}, nil
}

func jobName(containerName string) string {
	return "fluxpod-" + sanitize(containerName)
}

func pvcName(owner string) string {
	return "fluxpod-vol-" + sanitize(owner)
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	return s
}

var _ backend.Platform = (*Client)(nil)

package k8s

import (
	"fmt"
	"path"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Labels set on every task run job.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRunID     = "appengine.io/run-id"
	LabelTask      = "appengine.io/task"

	ManagedBy = "appengine"
)

// Mount points inside the task container.
const (
	InputsPath  = "/inputs"
	OutputsPath = "/outputs"
	DataPath    = "/data"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	// Namespace for the job
	Namespace string

	// ServiceAccountName for the pod
	ServiceAccountName string

	// ImagePullSecrets for private registries
	ImagePullSecrets []string

	// HelperImage fetches inputs and submits outputs. It must provide sh,
	// curl, zip and unzip.
	HelperImage string

	// DataClaim is the volume claim holding referenced files, mounted
	// read-only at DataPath. Empty disables references.
	DataClaim string

	// Default resource limits
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds for job timeout
	ActiveDeadlineSeconds *int64

	// TTLSecondsAfterFinished for cleanup
	TTLSecondsAfterFinished *int32

	// BackoffLimit for job retries
	BackoffLimit *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)       // 1 hour
	backoff := int32(0)      // a failed run is not retried
	deadline := int64(86400) // 1 day

	return &JobConfig{
		Namespace:               "appengine",
		ServiceAccountName:      "default",
		HelperImage:             "alpine:3.20",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "4Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "256Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// Link places referenced content at a path below the inputs directory.
type Link struct {
	Path   string
	Target string
}

// RunSpec describes one task run to execute.
type RunSpec struct {
	RunID string
	Task  string
	Image string

	// InputsURL serves the run's inputs as a zip archive.
	InputsURL string

	// OutputsURL accepts the run's outputs as a zip archive. It embeds the
	// run secret.
	OutputsURL string

	Links []Link
}

// JobBuilder creates Kubernetes Jobs for task runs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName returns the name of the job of a run.
func JobName(runID string) string {
	return sanitizeK8sName("task-run-" + runID)
}

// BuildJob creates a K8s Job for a run. Init containers fetch the inputs
// and run the task image in order; the main container submits the outputs.
func (b *JobBuilder) BuildJob(spec *RunSpec) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("run %s has no image specified", spec.RunID)
	}
	if len(spec.Links) > 0 && b.config.DataClaim == "" {
		return nil, fmt.Errorf("run %s passes files by reference but no data volume is configured", spec.RunID)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "appengine-task-run",
		"app.kubernetes.io/component": "task",
		LabelManagedBy:                ManagedBy,
		LabelRunID:                    spec.RunID,
	}
	if spec.Task != "" {
		labels[LabelTask] = sanitizeK8sLabel(spec.Task)
	}

	mounts := []corev1.VolumeMount{
		{Name: "inputs", MountPath: InputsPath},
		{Name: "outputs", MountPath: OutputsPath},
	}
	volumes := []corev1.Volume{
		{Name: "inputs", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		{Name: "outputs", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	if b.config.DataClaim != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: "data", MountPath: DataPath, ReadOnly: true})
		volumes = append(volumes, corev1.Volume{Name: "data", VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: b.config.DataClaim, ReadOnly: true},
		}})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
			corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
		},
	}

	fetch := corev1.Container{
		Name:            "fetch-inputs",
		Image:           b.config.HelperImage,
		Command:         []string{"sh", "-c", fetchScript(spec.Links)},
		Env:             []corev1.EnvVar{{Name: "INPUTS_URL", Value: spec.InputsURL}},
		VolumeMounts:    mounts,
		ImagePullPolicy: corev1.PullIfNotPresent,
	}

	task := corev1.Container{
		Name:  "task",
		Image: spec.Image,
		Env: []corev1.EnvVar{
			{Name: "RUN_ID", Value: spec.RunID},
			{Name: "INPUTS_DIR", Value: InputsPath},
			{Name: "OUTPUTS_DIR", Value: OutputsPath},
		},
		VolumeMounts:    mounts,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	submit := corev1.Container{
		Name:            "submit-outputs",
		Image:           b.config.HelperImage,
		Command:         []string{"sh", "-c", submitScript},
		Env:             []corev1.EnvVar{{Name: "OUTPUTS_URL", Value: spec.OutputsURL}},
		VolumeMounts:    mounts,
		ImagePullPolicy: corev1.PullIfNotPresent,
	}

	podSpec := corev1.PodSpec{
		InitContainers:     []corev1.Container{fetch, task},
		Containers:         []corev1.Container{submit},
		Volumes:            volumes,
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
	}

	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.RunID),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}, nil
}

const submitScript = `set -e
cd ` + OutputsPath + `
zip -r -q /tmp/outputs.zip .
curl -fsS -X POST -H 'Content-Type: application/zip' --data-binary @/tmp/outputs.zip "$OUTPUTS_URL"`

// fetchScript downloads and unpacks the inputs archive, then creates one
// symbolic link per referenced file.
func fetchScript(links []Link) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString(`curl -fsS -o /tmp/inputs.zip "$INPUTS_URL"` + "\n")
	b.WriteString("unzip -q -o /tmp/inputs.zip -d " + InputsPath + "\n")
	for _, l := range links {
		dst := path.Join(InputsPath, l.Path)
		src := path.Join(DataPath, l.Target)
		fmt.Fprintf(&b, "mkdir -p %s && ln -sfn %s %s\n", quote(path.Dir(dst)), quote(src), quote(dst))
	}
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase      string
	StartTime  *metav1.Time
	EndTime    *metav1.Time
	Succeeded  int32
	Failed     int32
	Active     int32
	Conditions []batchv1.JobCondition
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		Phase:      "unknown",
		StartTime:  job.Status.StartTime,
		EndTime:    job.Status.CompletionTime,
		Succeeded:  job.Status.Succeeded,
		Failed:     job.Status.Failed,
		Active:     job.Status.Active,
		Conditions: job.Status.Conditions,
	}

	// Determine phase
	if job.Status.Succeeded > 0 {
		status.Phase = "succeeded"
	} else if job.Status.Failed > 0 {
		status.Phase = "failed"
	} else if job.Status.Active > 0 {
		status.Phase = "running"
	} else {
		status.Phase = "pending"
	}

	// Check conditions for more detail
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			status.Phase = "succeeded"
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			status.Phase = "failed"
		}
	}

	return status
}

// Helper functions

func sanitizeK8sName(name string) string {
	// K8s names must be lowercase, alphanumeric, -, and max 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := result.String()
	// Trim leading/trailing dashes
	s = strings.Trim(s, "-")
	// Max 63 chars
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	// Label values must be 63 chars or less, alphanumeric, -, _, .
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func boolPtr(b bool) *bool {
	return &b
}

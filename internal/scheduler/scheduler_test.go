package scheduler

import (
	"context"
	"strings"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/collection"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

func newSchedule(links ...collection.Symlink) *Schedule {
	s := &Schedule{
		Run:  &types.Run{ID: "0b7e6a3c-1111-2222-3333-444455556666", Secret: "s3cret"},
		Task: &types.Task{Namespace: "com.example.segment", Version: "1.0.0", Image: "registry.local/segment:1.0.0"},
	}
	if len(links) > 0 {
		s.Links = []ParameterLinks{{Parameter: "tiles", Symlinks: links}}
	}
	return s
}

func TestLogScheduler(t *testing.T) {
	if err := NewLogScheduler(nil).Schedule(context.Background(), newSchedule()); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
}

func TestK8sScheduler_Schedule(t *testing.T) {
	ctx := context.Background()
	client := k8s.NewClientFromInterface(fake.NewSimpleClientset(), "appengine")

	jobCfg := k8s.DefaultJobConfig()
	jobCfg.DataClaim = "slides"
	s := NewK8sScheduler(client, &K8sConfig{BaseURL: "http://appengine:8080/", JobConfig: jobCfg}, nil)

	sc := newSchedule(collection.Symlink{Path: "tiles/0", Reference: "slides/a.tiff"})
	if err := s.Schedule(ctx, sc); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	job, err := client.GetJob(ctx, k8s.JobName(sc.Run.ID))
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Labels[k8s.LabelRunID] != sc.Run.ID {
		t.Errorf("missing run label, got %v", job.Labels)
	}

	pod := job.Spec.Template.Spec
	if len(pod.InitContainers) != 2 || pod.InitContainers[1].Image != sc.Task.Image {
		t.Fatalf("expected fetch and task init containers, got %+v", pod.InitContainers)
	}
	if env := envOf(pod.InitContainers[0], "INPUTS_URL"); env != "http://appengine:8080/api/v1/task-runs/"+sc.Run.ID+"/inputs.zip" {
		t.Errorf("unexpected inputs url %q", env)
	}
	if env := envOf(pod.Containers[0], "OUTPUTS_URL"); !strings.HasSuffix(env, "/"+sc.Run.ID+"/s3cret/outputs.zip") {
		t.Errorf("outputs url must carry the run secret, got %q", env)
	}
	script := pod.InitContainers[0].Command[2]
	if !strings.Contains(script, "ln -sfn '/data/slides/a.tiff' '/inputs/tiles/0'") {
		t.Errorf("symlink missing from fetch script:\n%s", script)
	}
}

func TestK8sScheduler_Rejects(t *testing.T) {
	ctx := context.Background()
	client := k8s.NewClientFromInterface(fake.NewSimpleClientset(), "appengine")
	s := NewK8sScheduler(client, &K8sConfig{BaseURL: "http://appengine"}, nil)

	t.Run("no image", func(t *testing.T) {
		sc := newSchedule()
		sc.Task.Image = ""
		if err := s.Schedule(ctx, sc); err == nil {
			t.Error("expected error for a task without image")
		}
	})

	t.Run("references without data volume", func(t *testing.T) {
		sc := newSchedule(collection.Symlink{Path: "tiles/0", Reference: "a.tiff"})
		if err := s.Schedule(ctx, sc); err == nil {
			t.Error("expected error for references without a data volume")
		}
	})
}

func TestStateForJob(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   types.RunState
		ok     bool
	}{
		{"pending", batchv1.JobStatus{}, types.RunStatePending, true},
		{"running", batchv1.JobStatus{Active: 1}, types.RunStateRunning, true},
		{"failed", batchv1.JobStatus{Failed: 1}, types.RunStateFailed, true},
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, "", false},
		{"failed condition", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue},
		}}, types.RunStateFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := StateForJob(k8s.GetJobStatus(&batchv1.Job{Status: tt.status}))
			if got != tt.want || ok != tt.ok {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}

func envOf(c corev1.Container, name string) string {
	for _, e := range c.Env {
		if e.Name == name {
			return e.Value
		}
	}
	return ""
}

func TestK8sScheduler_Cancel(t *testing.T) {
	ctx := context.Background()
	client := k8s.NewClientFromInterface(fake.NewSimpleClientset(), "appengine")
	s := NewK8sScheduler(client, &K8sConfig{BaseURL: "http://appengine:8080"}, nil)

	sc := newSchedule()
	if err := s.Schedule(ctx, sc); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.Cancel(ctx, sc.Run.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := client.GetJob(ctx, k8s.JobName(sc.Run.ID)); !apierrors.IsNotFound(err) {
		t.Errorf("expected the job to be deleted, got %v", err)
	}
	if err := s.Cancel(ctx, sc.Run.ID); err != nil {
		t.Errorf("cancelling a run without a job failed: %v", err)
	}
	if err := NewLogScheduler(nil).Cancel(ctx, sc.Run.ID); err != nil {
		t.Errorf("LogScheduler.Cancel failed: %v", err)
	}
}

package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// K8sDriver implements Driver against a real Kubernetes API server using
// the typed clientset, the same in-cluster/kubeconfig fallback chain this
// codebase's retrieval pack uses for every other client-go bootstrap.
type K8sDriver struct {
	clientset *kubernetes.Clientset
	namespace string
	image     string // builder image used for build Jobs
}

// NewK8sDriver builds a K8sDriver, preferring in-cluster config and
// falling back to the local kubeconfig for development.
func NewK8sDriver(namespace, builderImage string) (*K8sDriver, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homedir.HomeDir(), ".kube", "config")
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("cluster: build kube config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: build clientset: %w", err)
	}
	return &K8sDriver{clientset: clientset, namespace: namespace, image: builderImage}, nil
}

// CreateBuildJob submits a batchv1.Job named jobID. Create is naturally
// idempotent with respect to jobID: a second submission with the same name
// is rejected by the API server as AlreadyExists, which the caller
// surfaces as a build failure per §4.2's edge-case policy.
func (d *K8sDriver) CreateBuildJob(ctx context.Context, jobID, gitURL, imageDestination, filesSource string) error {
	env := []corev1.EnvVar{
		{Name: "IMAGE_DESTINATION", Value: imageDestination},
	}
	if gitURL != "" {
		env = append(env, corev1.EnvVar{Name: "GIT_URL", Value: gitURL})
	}
	if filesSource != "" {
		env = append(env, corev1.EnvVar{Name: "FILES_CONFIGMAP", Value: filesSource})
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobID,
			Namespace: d.namespace,
			Labels:    map[string]string{"app": "agent-build", "job-id": jobID},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "agent-build"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "builder",
						Image: d.image,
						Env:   env,
					}},
				},
			},
		},
	}

	_, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("cluster: create build job %s: %w", jobID, err)
	}
	return nil
}

// GetJobStatus maps a batchv1.Job's pod counts to the JobStatus enum:
// any succeeded pod gives JobSucceeded, else any failed pod JobFailed, else
// any active pod JobActive, else JobPending. Every API error, NotFound
// included, maps to JobUnknown with a nil error so a transient flap doesn't
// fail the build wait loop.
func (d *K8sDriver) GetJobStatus(ctx context.Context, jobName string) (JobStatus, error) {
	job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return JobUnknown, nil
		}
		return JobUnknown, nil
	}
	switch {
	case job.Status.Succeeded > 0:
		return JobSucceeded, nil
	case job.Status.Failed > 0:
		return JobFailed, nil
	case job.Status.Active > 0:
		return JobActive, nil
	default:
		return JobPending, nil
	}
}

// DeployAgent creates or patches an appsv1.Deployment and a matching
// Service fronting it on port.
func (d *K8sDriver) DeployAgent(ctx context.Context, deploymentName, imageReference string, port int32, env map[string]string) error {
	return deployAgent(ctx, d.clientset, d.namespace, deploymentName, imageReference, port, env)
}

// ListAgentDeployments lists deployment names belonging to agentID. The
// Cluster Driver contract's DeployAgent takes a deployment name, not an
// agent id, so deployments carry no agent-id label to select on; instead
// this mirrors the "agent-<name>-<timestamp>" naming convention and
// matches by substring, same as FakeDriver.
func (d *K8sDriver) ListAgentDeployments(ctx context.Context, agentID string) ([]string, error) {
	list, err := d.clientset.AppsV1().Deployments(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "managed-by=agentctl",
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: list deployments for %s: %w", agentID, err)
	}
	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		if strings.Contains(item.Name, agentID) {
			names = append(names, item.Name)
		}
	}
	return names, nil
}

// DeleteAgentDeployment deletes one deployment and its paired Service, if
// present.
func (d *K8sDriver) DeleteAgentDeployment(ctx context.Context, name string) error {
	err := d.clientset.AppsV1().Deployments(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("cluster: delete deployment %s: %w", name, err)
	}
	_ = d.clientset.CoreV1().Services(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return nil
}

// CreateConfigMapWithFiles upserts a ConfigMap holding data.
func (d *K8sDriver) CreateConfigMapWithFiles(ctx context.Context, name string, data map[string]string, namespace string) error {
	if namespace == "" {
		namespace = d.namespace
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       data,
	}
	_, err := d.clientset.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = d.clientset.CoreV1().ConfigMaps(namespace).Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("cluster: create configmap %s: %w", name, err)
	}
	return nil
}

func deployAgent(ctx context.Context, clientset *kubernetes.Clientset, namespace, deploymentName, imageReference string, port int32, env map[string]string) error {
	replicas := int32(1)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	labels := map[string]string{"app": deploymentName, "managed-by": "agentctl"}
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: deploymentName, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "agent",
						Image: imageReference,
						Ports: []corev1.ContainerPort{{ContainerPort: port}},
						Env:   envVars,
					}},
				},
			},
		},
	}

	_, err := clientset.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = clientset.AppsV1().Deployments(namespace).Update(ctx, deployment, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("cluster: deploy %s: %w", deploymentName, err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: deploymentName, Namespace: namespace},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports:    []corev1.ServicePort{{Port: port, TargetPort: intstr.FromInt32(port)}},
		},
	}
	_, err = clientset.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("cluster: create service for %s: %w", deploymentName, err)
	}
	return nil
}

// Package cluster discovers the resource budget a search may use, either
// from the nodes of a Kubernetes cluster or from EC2 instance types.
package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/accelbench/hpsearch/internal/trial"
)

// GPUResource is the extended resource name advertised by the NVIDIA device
// plugin.
const GPUResource corev1.ResourceName = "nvidia.com/gpu"

// NodeCapacity sums allocatable CPU and GPU over the Ready, schedulable
// nodes matching labelSelector.
func NodeCapacity(ctx context.Context, client kubernetes.Interface, labelSelector string) (trial.Resources, error) {
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return trial.Resources{}, fmt.Errorf("list nodes: %w", err)
	}
	var total trial.Resources
	for _, n := range nodes.Items {
		if n.Spec.Unschedulable || !ready(n) {
			continue
		}
		if cpu, ok := n.Status.Allocatable[corev1.ResourceCPU]; ok {
			total.CPU += float64(cpu.MilliValue()) / 1000
		}
		if gpu, ok := n.Status.Allocatable[GPUResource]; ok {
			total.GPU += float64(gpu.Value())
		}
	}
	if total.IsZero() {
		return total, fmt.Errorf("no schedulable nodes match %q", labelSelector)
	}
	return total, nil
}

func ready(n corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

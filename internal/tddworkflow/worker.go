package tddworkflow

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// StartWorker connects to the Temporal server and runs the orchestration
// core's task queue worker, registering CycleWorkflow and its activities.
// Mirrors the teacher's internal/temporal/worker.go wiring shape.
func StartWorker(hostPort, namespace, taskQueue string, activities *Activities) error {
	c, err := client.Dial(client.Options{HostPort: hostPort, Namespace: namespace})
	if err != nil {
		return fmt.Errorf("tddworkflow: dial temporal at %s: %w", hostPort, err)
	}
	defer c.Close()

	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(CycleWorkflow)
	w.RegisterActivity(activities.DesignActivity)
	w.RegisterActivity(activities.WriteTestActivity)
	w.RegisterActivity(activities.ImplementActivity)
	w.RegisterActivity(activities.RefactorActivity)
	w.RegisterActivity(activities.CommitActivity)
	w.RegisterActivity(activities.RequestApprovalActivity)

	return w.Run(worker.InterruptCh())
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// taskPlan holds the polling cadence for one generation kind. Image tasks
// finish in seconds; video tasks can run for minutes.
type taskPlan struct {
	interval time.Duration
	budget   time.Duration
}

func planForCaps(caps capabilitySet) taskPlan {
	if caps.Video {
		return taskPlan{interval: 5 * time.Second, budget: 10 * time.Minute}
	}
	return taskPlan{interval: 3 * time.Second, budget: 3 * time.Minute}
}

// awaitTask polls a generation task until it succeeds, fails, or the budget
// runs out, returning the asset URL. Polling uses the same account that
// submitted the task; transient status-endpoint errors are logged and the
// next tick retried.
func awaitTask(ctx context.Context, client *qwenClient, acc *Account, reqID, taskID string, plan taskPlan) (string, error) {
	deadline := time.Now().Add(plan.budget)
	ticker := time.NewTicker(plan.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: task %s did not finish within %s", errUpstream, taskID, plan.budget)
		}

		status, err := client.taskStatus(ctx, acc, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("[%s] task %s status check failed: %v", reqID, taskID, err)
			continue
		}
		switch status.TaskStatus {
		case "success":
			if status.Content == "" {
				return "", fmt.Errorf("%w: task %s succeeded without content", errUpstream, taskID)
			}
			return status.Content, nil
		case "failed":
			msg := status.Message
			if msg == "" {
				msg = "no detail"
			}
			return "", fmt.Errorf("%w: task %s failed: %s", errUpstream, taskID, msg)
		default:
			// pending/running; keep polling
		}
	}
}

package state

import (
	"context"
	"fmt"
)

// Stats aggregates counters across a task's rows for the tasks/get surface.
func (s *Store) Stats(ctx context.Context, taskID string) (TaskStats, error) {
	stats := TaskStats{TaskID: taskID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM task_messages WHERE task_id = ?),
			(SELECT COUNT(*) FROM task_artifacts WHERE task_id = ?),
			(SELECT COUNT(*) FROM execution_steps WHERE task_id = ?),
			(SELECT COUNT(*) FILTER (WHERE status = ?) FROM execution_steps WHERE task_id = ?),
			(SELECT COUNT(*) FILTER (WHERE status = ?) FROM execution_steps WHERE task_id = ?),
			(SELECT COUNT(*) FILTER (WHERE status = ?) FROM execution_steps WHERE task_id = ?)
	`, taskID, taskID, taskID,
		StepSuccess, taskID,
		StepFailed, taskID,
		StepTimeout, taskID,
	).Scan(&stats.MessageCount, &stats.ArtifactCount, &stats.TotalSteps,
		&stats.SucceededSteps, &stats.FailedSteps, &stats.TimedOutSteps)
	if err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

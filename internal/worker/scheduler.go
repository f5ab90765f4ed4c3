package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"collaborative-canvas/internal/tasks"
)

// RegisterPeriodicTasks 注册周期性的房间清理任务，返回 entry ID
func RegisterPeriodicTasks(scheduler *asynq.Scheduler, schedule string, retentionDays int) (string, error) {
	if schedule == "" {
		schedule = "@every 24h"
	}
	payload, err := json.Marshal(tasks.RoomsCleanupPayload{OlderThanDays: retentionDays})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(tasks.TypeRoomsCleanup, payload)
	return scheduler.Register(schedule, task, asynq.Queue(tasks.QueueLow), asynq.MaxRetry(tasks.DefaultMaxAttempts-1))
}

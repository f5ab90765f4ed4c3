package tasks

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
)

func TestQueueForPriority(t *testing.T) {
	assert.Equal(t, QueueCritical, QueueForPriority(5))
	assert.Equal(t, QueueCritical, QueueForPriority(2))
	assert.Equal(t, QueueDefault, QueueForPriority(1))
	assert.Equal(t, QueueLow, QueueForPriority(0))
	assert.Equal(t, QueueLow, QueueForPriority(-3))
}

// optionValues 按选项类型取出值
func optionValues(opts []asynq.Option) map[asynq.OptionType]interface{} {
	got := make(map[asynq.OptionType]interface{}, len(opts))
	for _, o := range opts {
		got[o.Type()] = o.Value()
	}
	return got
}

func TestAsynqOptions(t *testing.T) {
	opts := AsynqOptions("job-1", JobOptions{MaxAttempts: 3, Priority: 2, Delay: 4 * time.Second})
	got := optionValues(opts)
	assert.Equal(t, "job-1", got[asynq.TaskIDOpt])
	assert.Equal(t, QueueCritical, got[asynq.QueueOpt])
	assert.Equal(t, 2, got[asynq.MaxRetryOpt])
	assert.Equal(t, 4*time.Second, got[asynq.ProcessInOpt])
}

func TestAsynqOptions_Defaults(t *testing.T) {
	opts := AsynqOptions("job-2", JobOptions{})
	got := optionValues(opts)
	assert.Equal(t, DefaultMaxAttempts-1, got[asynq.MaxRetryOpt])
	assert.Equal(t, QueueLow, got[asynq.QueueOpt])
	_, delayed := got[asynq.ProcessInOpt]
	assert.False(t, delayed)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(0, 0))
	assert.Equal(t, 2*time.Second, Backoff(1, 0))
	assert.Equal(t, 8*time.Second, Backoff(3, time.Minute))
	assert.Equal(t, time.Minute, Backoff(10, time.Minute))
	assert.Equal(t, 1*time.Second, Backoff(-2, 0))
}

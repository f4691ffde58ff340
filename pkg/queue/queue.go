package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
)

// Enqueuer is the subset of *asynq.Client the API process depends on.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg *config.RedisConfig) *asynq.Client {
	return asynq.NewClient(redisOpt(cfg))
}

func NewServer(cfg *config.RedisConfig, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6, // outbound chat
				"default":  3, // email
				"low":      1, // reminders
			},
		},
	)
}

// NewScheduler registers periodic tasks against the same Redis as the server.
func NewScheduler(cfg *config.RedisConfig) *asynq.Scheduler {
	return asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{
		Location: time.UTC,
	})
}

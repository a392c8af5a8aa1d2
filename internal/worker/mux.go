package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"airscrapy/internal/logger"
)

// Mux routes asynq task types to handlers and logs every delivery.
type Mux struct {
	mux *asynq.ServeMux
	log *logger.Logger
}

func NewMux() *Mux {
	m := &Mux{mux: asynq.NewServeMux(), log: logger.New("Worker")}
	m.mux.Use(m.logDelivery)
	return m
}

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

func (m *Mux) logDelivery(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		err := next.ProcessTask(ctx, t)
		fields := map[string]interface{}{
			"type":     t.Type(),
			"task_id":  id,
			"retried":  retried,
			"duration": time.Since(start).String(),
		}
		if err != nil {
			m.log.ErrorWithFields(fields).Err(err).Msg("task failed")
			return err
		}
		m.log.WithFields(fields).Msg("task done")
		return nil
	})
}

// Queues builds the asynq queue priorities for a worker that must consume
// every queue in queues. The primary queue is weighted above the rest and
// the default queue is always consumed.
func Queues(primary string, queues []string) map[string]int {
	out := map[string]int{"default": 1}
	for _, q := range queues {
		if q != "" {
			out[q] = 1
		}
	}
	if primary != "" && primary != "default" {
		out[primary] = 3
	}
	return out
}

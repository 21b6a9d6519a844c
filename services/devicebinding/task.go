package devicebinding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devicetrust-controlplane/pkg/config"
	"devicetrust-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type UnbindCompletePayload struct {
	LicenseID         string    `json:"license_id"`
	DeviceID          string    `json:"device_id"`
	UnbindAvailableAt time.Time `json:"unbind_available_at"`
	TraceID           string    `json:"trace_id,omitempty"`
}

// NewUnbindCompleteTask builds the delayed task that finalizes a confirmed
// unbind once its cooldown elapses. The task id makes re-enqueueing the same
// cooldown a no-op.
func NewUnbindCompleteTask(p UnbindCompletePayload, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{
		asynq.ProcessAt(p.UnbindAvailableAt),
		asynq.TaskID(fmt.Sprintf("%s:%s:%s:%d", taskname.DeviceUnbindComplete, p.LicenseID, p.DeviceID, p.UnbindAvailableAt.Unix())),
		asynq.MaxRetry(5),
	}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	return asynq.NewTask(taskname.DeviceUnbindComplete, payload, opts...), nil
}

// scheduleCompletion enqueues the completion task for a confirmed unbind.
// Failures are only logged: the periodic sweep finalizes the binding anyway.
func (s *Service) scheduleCompletion(ctx context.Context, licenseID, deviceID string, availableAt time.Time) {
	if s.enqueuer == nil {
		return
	}

	zapLog := logger(ctx).With(zap.String("license_id", licenseID), zap.String("device_id", deviceID))

	t, err := NewUnbindCompleteTask(UnbindCompletePayload{
		LicenseID:         licenseID,
		DeviceID:          deviceID,
		UnbindAvailableAt: availableAt,
		TraceID:           trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
	}, s.completionQueue)
	if err != nil {
		zapLog.Warn("failed to build unbind completion task", zap.Error(err))
		return
	}

	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return
		}
		zapLog.Warn("failed to schedule unbind completion, sweep will pick it up", zap.Error(err))
	}
}

// Task holds the worker-side handlers for device binding jobs.
type Task struct {
	svc *Service
}

func NewTask(svc *Service) *Task {
	return &Task{svc: svc}
}

func (t *Task) HandleUnbindComplete(ctx context.Context, task *asynq.Task) error {
	var payload UnbindCompletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("license_id", payload.LicenseID),
		zap.String("device_id", payload.DeviceID),
		zap.String("trace_id", payload.TraceID),
	)

	n, err := t.svc.Sweep(ctx, payload.LicenseID)
	if err != nil {
		zapLog.Error("unbind completion failed", zap.Error(err))
		return err
	}

	zapLog.Info("unbind completion processed", zap.Int("finalized", n))
	return nil
}

func (t *Task) HandleSweepAll(ctx context.Context, task *asynq.Task) error {
	n, err := t.svc.SweepAll(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("periodic sweep processed", zap.String("task_type", task.Type()), zap.Int("finalized", n))
	return nil
}

func (t *Task) HandleTrustRecompute(ctx context.Context, task *asynq.Task) error {
	n, err := t.svc.RecomputeAll(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("trust recompute processed", zap.String("task_type", task.Type()), zap.Int("changed", n))
	return nil
}

func RegisterHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.DeviceUnbindComplete, t.HandleUnbindComplete)
	mux.HandleFunc(taskname.DeviceUnbindSweepAll, t.HandleSweepAll)
	mux.HandleFunc(taskname.TrustRecomputeAll, t.HandleTrustRecompute)
}

// PeriodicTask is one entry of the worker's schedule.
type PeriodicTask struct {
	Spec string
	Task *asynq.Task
}

// PeriodicTasks lists the scheduled jobs for the configured intervals. Each
// task is unique for its interval so concurrent schedulers do not pile up
// duplicates.
func PeriodicTasks(cfg *config.Config) []PeriodicTask {
	var out []PeriodicTask
	if iv := cfg.Sweep.Interval; iv > 0 {
		out = append(out, PeriodicTask{
			Spec: "@every " + iv.String(),
			Task: asynq.NewTask(taskname.DeviceUnbindSweepAll, nil, asynq.Unique(iv), asynq.MaxRetry(0)),
		})
	}
	if iv := cfg.Sweep.TrustInterval; iv > 0 {
		out = append(out, PeriodicTask{
			Spec: "@every " + iv.String(),
			Task: asynq.NewTask(taskname.TrustRecomputeAll, nil, asynq.Unique(iv), asynq.MaxRetry(0)),
		})
	}
	return out
}

func registerScheduler(lc fx.Lifecycle, cfg *config.Config) error {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		&asynq.SchedulerOpts{
			Location: time.UTC,
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
					zap.L().Warn("[Asynq] failed to enqueue periodic task", zap.Error(err))
				}
			},
		},
	)

	for _, pt := range PeriodicTasks(cfg) {
		id, err := scheduler.Register(pt.Spec, pt.Task)
		if err != nil {
			return fmt.Errorf("register periodic task %s: %w", pt.Task.Type(), err)
		}
		zap.L().Info("[Asynq] periodic task registered",
			zap.String("task_type", pt.Task.Type()),
			zap.String("spec", pt.Spec),
			zap.String("entry_id", id),
		)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := scheduler.Start(); err != nil {
				zap.L().Error("[Asynq] Failed to start scheduler", zap.Error(err))
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})
	return nil
}

// Package rollout stages a release across the fleet group by group,
// batch by batch, pausing on its own when failure, rollback or health
// failure rates cross the plan's thresholds.
//
// The orchestrator never talks to devices directly. Dispatching a
// device means marking it eligible; the device's agent picks the update
// up on its next manifest poll and reports progress back through the
// API. All aggregates are computed from the device rows, so a crashed
// orchestrator resumes from the database, not from memory.
package rollout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/events"
	"golang.org/x/sync/errgroup"
)

// Commander dispatches one device into the rollout. The production
// implementation just stamps the device row; tests substitute
// commanders that simulate whole device outcomes.
type Commander interface {
	Dispatch(ctx context.Context, d *database.Device, r *database.Rollout) error
}

// PollCommander marks the device dispatched. The device discovers the
// assignment on its next manifest poll.
type PollCommander struct{}

func (PollCommander) Dispatch(ctx context.Context, d *database.Device, r *database.Rollout) error {
	now := time.Now()
	return database.DB.Model(&database.Device{}).Where("id = ?", d.ID).Update("started_at", &now).Error
}

// Orchestrator executes rollout plans.
type Orchestrator struct {
	Commander       Commander
	Recorder        events.Recorder
	Parallelism     int
	RecheckInterval time.Duration

	// Sleep is replaced in tests so observe waits take no wall time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an orchestrator with the given commander and
// event sink.
func NewOrchestrator(cmd Commander, rec events.Recorder) *Orchestrator {
	if cmd == nil {
		cmd = PollCommander{}
	}
	if rec == nil {
		rec = events.Discard{}
	}
	return &Orchestrator{
		Commander:       cmd,
		Recorder:        rec,
		Parallelism:     16,
		RecheckInterval: time.Minute,
		Sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// batchSize computes how many devices one batch covers: the plan's
// percentage of the group, but never fewer than the plan's minimum
// (small groups dispatch in one batch rather than trickling).
func batchSize(groupTotal int, r *database.Rollout) int {
	n := groupTotal * r.BatchPercent / 100
	if n < r.MinDevicesInBatch {
		n = r.MinDevicesInBatch
	}
	if n > groupTotal {
		n = groupTotal
	}
	return n
}

// Run executes the rollout until it completes, pauses or is cancelled.
// It is safe to call again after a pause is resumed: dispatched devices
// keep their state and only undispatched ones are considered.
func (o *Orchestrator) Run(ctx context.Context, rolloutUUID string) error {
	r, err := database.GetRolloutByUUID(rolloutUUID)
	if err != nil {
		return err
	}
	window, err := WindowOf(r)
	if err != nil {
		return err
	}

	for _, group := range splitGroups(r.Groups) {
		var groupTotal int64
		err := database.DB.Model(&database.Device{}).
			Where("rollout_id = ? AND device_group = ?", r.UUID, group).
			Count(&groupTotal).Error
		if err != nil {
			return err
		}
		if groupTotal == 0 {
			continue
		}
		size := batchSize(int(groupTotal), r)

		for {
			// External pause or abort through the API stops the loop.
			current, err := database.GetRolloutByUUID(rolloutUUID)
			if err != nil {
				return err
			}
			if current.Status != StatusRunning {
				return nil
			}

			batch, err := o.nextBatch(r.UUID, group, size)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			if err := o.awaitWindow(ctx, window, r.UUID); err != nil {
				return err
			}
			if err := o.dispatchBatch(ctx, batch, r); err != nil {
				return err
			}
			o.Recorder.Record(r.UUID, events.EventBatchDispatched,
				fmt.Sprintf("group %s: %d devices", group, len(batch)))

			if err := o.Sleep(ctx, time.Duration(r.ObserveWaitSecs)*time.Second); err != nil {
				return err
			}

			counts, err := CountsFor(r.UUID)
			if err != nil {
				return err
			}
			if detail, breached := counts.Breach(ThresholdsOf(r)); breached {
				return o.pause(r.UUID, group, detail)
			}
		}
	}

	err = database.DB.Model(&database.Rollout{}).Where("uuid = ?", rolloutUUID).
		Update("status", StatusCompleted).Error
	if err != nil {
		return err
	}
	o.Recorder.Record(rolloutUUID, events.EventRolloutCompleted, "all groups dispatched")
	return nil
}

// nextBatch picks the next undispatched devices of the group, in stable
// device-id order.
func (o *Orchestrator) nextBatch(rolloutUUID, group string, size int) ([]database.Device, error) {
	var batch []database.Device
	err := database.DB.
		Where("rollout_id = ? AND device_group = ? AND started_at IS NULL AND rollout_state = ?",
			rolloutUUID, group, StatePending).
		Order("device_id").
		Limit(size).
		Find(&batch).Error
	return batch, err
}

// awaitWindow blocks until the maintenance window is open, rechecking
// periodically. A nil window returns immediately.
func (o *Orchestrator) awaitWindow(ctx context.Context, w *Window, rolloutUUID string) error {
	if w.Contains(time.Now()) {
		return nil
	}
	log.Printf("[rollout] %s: waiting for maintenance window (next opens %s)",
		rolloutUUID, w.NextOpen(time.Now()).Format(time.RFC3339))
	for !w.Contains(time.Now()) {
		if err := o.Sleep(ctx, o.RecheckInterval); err != nil {
			return err
		}
	}
	return nil
}

// dispatchBatch runs the commander over the batch with bounded
// parallelism. A single device's dispatch failure marks that device
// failed but does not sink the batch.
func (o *Orchestrator) dispatchBatch(ctx context.Context, batch []database.Device, r *database.Rollout) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Parallelism)
	for i := range batch {
		d := &batch[i]
		g.Go(func() error {
			if err := o.Commander.Dispatch(gctx, d, r); err != nil {
				log.Printf("[rollout] %s: dispatch %s: %v", r.UUID, d.DeviceID, err)
				if rpErr := ReportProgress(d.DeviceID, StateFailed, err.Error()); rpErr != nil {
					log.Printf("[rollout] %s: mark %s failed: %v", r.UUID, d.DeviceID, rpErr)
				}
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (o *Orchestrator) pause(rolloutUUID, group, detail string) error {
	err := database.DB.Model(&database.Rollout{}).Where("uuid = ?", rolloutUUID).Updates(map[string]any{
		"status":       StatusPaused,
		"paused_group": group,
		"pause_detail": detail,
	}).Error
	if err != nil {
		return err
	}
	o.Recorder.Record(rolloutUUID, events.EventRolloutPaused,
		fmt.Sprintf("group %s: %s", group, detail))
	return nil
}

// Runner tracks which rollouts are executing and owns their lifetimes.
type Runner struct {
	orch *Orchestrator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner around the given orchestrator.
func NewRunner(orch *Orchestrator) *Runner {
	return &Runner{orch: orch, cancels: make(map[string]context.CancelFunc)}
}

// Start launches (or resumes) execution of a rollout in the background.
// It fails if the rollout is already executing.
func (ru *Runner) Start(ctx context.Context, rolloutUUID string) error {
	ru.mu.Lock()
	if _, running := ru.cancels[rolloutUUID]; running {
		ru.mu.Unlock()
		return fmt.Errorf("rollout %s is already executing", rolloutUUID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ru.cancels[rolloutUUID] = cancel
	ru.wg.Add(1)
	ru.mu.Unlock()

	go func() {
		defer ru.wg.Done()
		defer func() {
			ru.mu.Lock()
			delete(ru.cancels, rolloutUUID)
			ru.mu.Unlock()
			cancel()
		}()
		if err := ru.orch.Run(runCtx, rolloutUUID); err != nil && runCtx.Err() == nil {
			log.Printf("[rollout] %s: %v", rolloutUUID, err)
		}
	}()
	return nil
}

// Cancel stops a running rollout's goroutine. It does not change the
// rollout's status; callers set paused or aborted first.
func (ru *Runner) Cancel(rolloutUUID string) {
	ru.mu.Lock()
	cancel, ok := ru.cancels[rolloutUUID]
	ru.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a rollout is currently executing.
func (ru *Runner) Running(rolloutUUID string) bool {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	_, ok := ru.cancels[rolloutUUID]
	return ok
}

// Shutdown cancels all running rollouts and waits for their goroutines.
func (ru *Runner) Shutdown() {
	ru.mu.Lock()
	for _, cancel := range ru.cancels {
		cancel()
	}
	ru.mu.Unlock()
	ru.wg.Wait()
}

// Abort marks the rollout aborted and queues a rollback command for
// every claimed device that has activated but not yet finished. Devices
// still pending are simply never dispatched.
func Abort(rolloutUUID string) error {
	err := database.DB.Model(&database.Rollout{}).Where("uuid = ?", rolloutUUID).
		Update("status", StatusAborted).Error
	if err != nil {
		return err
	}
	return database.DB.Model(&database.Device{}).
		Where("rollout_id = ? AND rollout_state IN ?", rolloutUUID,
			[]string{StateInstalled, StateRebooted}).
		Update("rollback_requested", true).Error
}

// Package watchdog reclaims executions whose machine started but never
// called back, and drops contexts that were never launched.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"porter/internal/execution"
	"porter/internal/fly"
	"porter/internal/github"
	"porter/internal/model"
	"porter/internal/service"
	"porter/internal/settings"

	"github.com/sirupsen/logrus"
)

// reclaimTimeout bounds the side effects of one reclaimed execution
const reclaimTimeout = time.Minute

// Worker sweeps the execution store on a fixed interval
type Worker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	store      execution.Store
	machines   fly.MachineClient
	github     github.ClientFactory
	tokens     *service.TokenResolver
	settings   settings.Store
	publisher  *service.StatusPublisher
	logger     *logrus.Entry
	interval   time.Duration
	staleAfter time.Duration
	pendingTTL time.Duration
}

// Config holds the configuration for the watchdog worker
type Config struct {
	Store      execution.Store
	Machines   fly.MachineClient
	GitHub     github.ClientFactory
	Tokens     *service.TokenResolver
	Settings   settings.Store
	Publisher  *service.StatusPublisher
	Logger     *logrus.Entry
	Interval   time.Duration
	StaleAfter time.Duration
	PendingTTL time.Duration
}

// SweepResult counts what one sweep did
type SweepResult struct {
	TimedOut int `json:"timedOut"`
	Pending  int `json:"pending"`
	Errors   int `json:"errors"`
}

// NewWorker creates a new watchdog worker
func NewWorker(cfg *Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		ctx:        ctx,
		cancel:     cancel,
		store:      cfg.Store,
		machines:   cfg.Machines,
		github:     cfg.GitHub,
		tokens:     cfg.Tokens,
		settings:   cfg.Settings,
		publisher:  cfg.Publisher,
		logger:     logger.WithField("component", "watchdog"),
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		pendingTTL: cfg.PendingTTL,
	}
}

// Start begins the periodic sweeps
func (w *Worker) Start() {
	w.logger.WithFields(logrus.Fields{
		"interval":    w.interval.String(),
		"stale_after": w.staleAfter.String(),
	}).Info("Starting watchdog...")
	ticker := time.NewTicker(w.interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(w.ctx)
			case <-w.ctx.Done():
				w.logger.Info("Stopping watchdog...")
				return
			}
		}
	}()
}

// Stop cancels the worker and waits for an in-flight sweep to finish
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Sweep runs one pass. The store is read fresh every time; a context is
// processed only by the caller that removes it.
func (w *Worker) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	stale, err := w.store.ListOlderThan(ctx, w.staleAfter)
	if err != nil {
		w.logger.WithError(err).Error("Failed to list stale executions")
		result.Errors++
	}
	for _, ec := range stale {
		if ctx.Err() != nil {
			break
		}
		reclaimed, err := w.reclaim(ctx, ec)
		if err != nil {
			result.Errors++
		}
		if reclaimed {
			result.TimedOut++
		}
	}

	if w.pendingTTL > 0 {
		pending, err := w.store.ListPendingOlderThan(ctx, w.pendingTTL)
		if err != nil {
			w.logger.WithError(err).Error("Failed to list pending executions")
			result.Errors++
		}
		for _, ec := range pending {
			if ctx.Err() != nil {
				break
			}
			removed, err := w.store.Remove(ctx, ec.ExecutionID)
			if err != nil {
				w.logger.WithError(err).WithField("execution_id", ec.ExecutionID).Warn("Failed to drop pending execution")
				result.Errors++
				continue
			}
			if removed != nil {
				result.Pending++
			}
		}
	}

	if result.TimedOut > 0 || result.Pending > 0 || result.Errors > 0 {
		w.logger.WithFields(logrus.Fields{
			"timed_out": result.TimedOut,
			"pending":   result.Pending,
			"errors":    result.Errors,
		}).Info("Watchdog sweep finished")
	}
	return result
}

// reclaim removes one stale execution and reports the timeout. The error
// reflects failed side effects; the context is gone either way.
func (w *Worker) reclaim(ctx context.Context, ec *model.ExecutionContext) (bool, error) {
	log := w.logger.WithFields(logrus.Fields{
		"execution_id": ec.ExecutionID,
		"repo":         ec.Owner + "/" + ec.Repo,
		"issue":        ec.IssueNumber,
		"machine_id":   ec.MachineID,
	})

	if err := w.store.MarkTerminal(ctx, ec.ExecutionID, model.StatusTimedOut); err != nil {
		log.WithError(err).Debug("Mark terminal skipped")
	}
	owned, err := w.store.Remove(ctx, ec.ExecutionID)
	if err != nil {
		log.WithError(err).Error("Failed to remove stale execution")
		return false, err
	}
	if owned == nil {
		// a callback consumed it first
		return false, nil
	}

	// the context is gone from the store; Stop must not cut the report short
	ctx, cancel := service.Detach(ctx, reclaimTimeout)
	defer cancel()

	var firstErr error
	remember := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	cfg, err := w.settings.GetConfig(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to load settings, skipping machine destroy")
		remember(err)
	} else if err := w.machines.DestroyMachine(ctx, cfg.Fly.Token, cfg.Fly.App, owned.MachineID); err != nil {
		log.WithError(err).Warn("Failed to destroy machine")
	}

	minutes := int(w.staleAfter / time.Minute)
	summary := fmt.Sprintf("Porter failed: timeout after %d minutes", minutes)
	meta := model.TaskMetadata{
		TaskID:       owned.TaskID(),
		Agent:        owned.Agent,
		Priority:     owned.Priority,
		Status:       model.StatusTimedOut,
		Progress:     100,
		CreatedAt:    service.Timestamp(owned.CreatedAt),
		Summary:      summary,
		BranchName:   owned.BranchName,
		FailureStage: model.StageAgent,
	}
	client := w.github.ForToken(w.tokens.TokenFor(ctx, owned))
	if _, err := w.publisher.Publish(ctx, client, owned.Owner, owned.Repo, owned.IssueNumber, summary, meta); err != nil {
		log.WithError(err).Error("Failed to publish timeout")
		remember(err)
	}
	w.publisher.Invalidate(ctx, owned.Owner, owned.Repo)

	log.Warn("Execution timed out")
	return true, firstErr
}

package attribution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

// Runner invokes the processor periodically: an immediate re-run while the
// queue has a remainder, exponential backoff after a storage failure, the
// configured interval otherwise.
type Runner struct {
	logger    logger.Logger
	processor *Processor

	config struct {
		interval config.ValueLoader[time.Duration]
	}
}

func NewRunner(conf *config.Config, log logger.Logger, processor *Processor) *Runner {
	r := &Runner{
		logger:    log.Child("runner"),
		processor: processor,
	}
	r.config.interval = conf.GetReloadableDurationVar(30, time.Second, "AttributionEngine.processingInterval")
	return r
}

// Run drives the processing loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		result, err := r.processor.PerformPendingAttributions(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		switch result {
		case model.ProcessingFailure:
			r.logger.Errorw("attribution run failed", "error", err)
			wait = retry.NextBackOff()
		case model.ProcessingMorePending:
			retry.Reset()
			continue
		default:
			retry.Reset()
			wait = r.config.interval.Load()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

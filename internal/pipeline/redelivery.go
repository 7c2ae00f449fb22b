package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
)

// Redeliverer repeats an invocation while it fails retriably, backing off
// exponentially between rounds up to a ceiling
type Redeliverer struct {
	policy *ingest.RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRedeliverer creates a redeliverer whose first wait is backoff and whose
// waits never exceed maxBackoff
func NewRedeliverer(backoff, maxBackoff time.Duration, logger *zap.Logger) *Redeliverer {
	policy := ingest.NewRetryPolicy(0, backoff)
	policy.MaxDelay = maxBackoff
	policy.RandomizeFactor = 0.1
	return &Redeliverer{
		policy: policy,
		logger: logger.With(zap.String("component", "redelivery")),
		sleep:  ingest.SleepContext,
	}
}

// Run calls fn until it returns nil or a non-retriable error, or ctx ends
func (r *Redeliverer) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for round := 1; ; round++ {
		err := fn(ctx)
		if err == nil || !errors.IsRetryable(err) {
			return err
		}

		delay := r.policy.Delay(min(round+1, 32))
		r.logger.Warn("invocation failed, redelivering",
			zap.Int("round", round),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := r.sleep(ctx, delay); serr != nil {
			return errors.Wrap(err, errors.ErrorTypeShutdown, "redelivery interrupted").
				WithDetail(errors.DetailRetriable, true)
		}
	}
}

package ingest

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// WithRetry executes action until it either succeeds, returns a non-retryable error, or
// maxAttempts have been made. The wait between attempts doubles each time, capped at maxBackoff.
// The action reports whether a failure is retryable alongside the error.
func WithRetry(action func() (bool, error), maxAttempts int, initialBackoff time.Duration, maxBackoff time.Duration) error {
	backoff := initialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var retryable bool
		retryable, err = action()
		if err == nil {
			return nil
		}
		if !retryable || attempt >= maxAttempts {
			return err
		}
		log.WithError(err).Warnf("Retryable error on attempt %d of %d, will wait for %s before retrying", attempt, maxAttempts, backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// RetryUntilSuccess executes performAction until it succeeds or until ctx is cancelled,
// calling onError after every failed attempt.
func RetryUntilSuccess(done <-chan struct{}, performAction func() error, onError func(error)) {
	for {
		select {
		case <-done:
			return
		default:
			if err := performAction(); err == nil {
				return
			} else {
				onError(err)
			}
		}
	}
}

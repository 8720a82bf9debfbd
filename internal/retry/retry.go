package retry

import (
	"context"
	"errors"
	"time"
)

// Defaults used by the shape cache: 3 retries after 100ms, 200ms, 400ms.
const (
	DefaultRetries   = 3
	DefaultBaseDelay = 100 * time.Millisecond
)

type Options struct {
	Retries   int           // retries after the first attempt
	BaseDelay time.Duration // delay before the first retry, doubled each time

	// Sleep waits d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the 1-based retry number.
	OnRetry func(retry int, delay time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, or the retries
// run out. The last error is returned.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()
	delay := opts.BaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) || attempt >= opts.Retries {
			return err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}
		if serr := opts.Sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

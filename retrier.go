package teleop

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	retrySleep   = time.Second
	retryBackoff = 2 * time.Millisecond
)

var (
	ErrTransient = errors.New("transient bus error")
	ErrPermanent = errors.New("permanent device error")
)

type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}

// retry keeps r open and started until ctx is done, reconnecting after
// every error.
func retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", r.Name())
				if err = r.Close(); err != nil {
					log.WithField("err", err).Warnf("%s: unable to close", r.Name())
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retrySleep):
				}
			}
			err = r.Open()
			if err != nil {
				continue
			}
		}
		err = r.Start(ctx)
	}
}

// IsPermanent reports whether err means the device will not recover
// without intervention.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// retryTransient calls fn up to attempts times, sleeping retryBackoff
// between calls. Permanent errors and cancellation end it early; anything
// else is treated as a transient bus error.
func retryTransient(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		err = fn()
		if err == nil || IsPermanent(err) || ctx.Err() != nil {
			return err
		}
	}
	return errors.Wrapf(err, "gave up after %d attempts", attempts)
}

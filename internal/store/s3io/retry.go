// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/store"
)

// errTransient marks failures worth another attempt. It never leaves this
// package, the retry loop either succeeds eventually or converts it into
// store.ErrIO once the pause budget is exhausted.
var errTransient = errors.New("transient backend failure")

// do runs op with exponential backoff on transient failures. The pause
// starts at the configured initial value, doubles with jitter and the
// accumulated pause time is bounded by the configured maximum, which
// makes the maximum also the retry budget of one logical operation.
func (s *S3IO) do(op string, fn func() error) error {
	pause := s.opts.InitialRetryPause
	var waited time.Duration

	for {
		start := time.Now()
		err := classify(fn())
		s.opts.Metrics.Latency(op, time.Since(start).Seconds())

		if err == nil {
			s.opts.Metrics.Request(op, "ok")
			return nil
		}
		if !errors.Is(err, errTransient) {
			s.opts.Metrics.Request(op, "error")
			return err
		}

		if waited >= s.opts.MaxRetryPause {
			s.opts.Metrics.Request(op, "exhausted")
			return fmt.Errorf("%s: retries exhausted after %v: %w: %v",
				op, waited, store.ErrIO, err)
		}

		// Jitter keeps the pause inside [pause/2, pause], so while the
		// pause is still doubling no sleep is shorter than the one
		// before, and synchronized retries are avoided. The last sleep
		// is cut to what is left of the budget.
		sleep := pause/2 + time.Duration(rand.Int63n(int64(pause/2)+1))
		if left := s.opts.MaxRetryPause - waited; sleep > left {
			sleep = left
		}
		log.Debug().Str("op", op).Dur("pause", sleep).Err(err).Msg("Retrying backend operation.")
		s.opts.Metrics.Retry()
		time.Sleep(sleep)

		waited += sleep
		pause *= 2
		if pause > s.opts.MaxRetryPause {
			pause = s.opts.MaxRetryPause
		}
	}
}

// classify maps SDK and transport failures onto the store error kinds.
// Transient failures come back wrapped around errTransient, everything
// else is final.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode() == http.StatusNotModified:
			return store.ErrNotModified
		case reqErr.StatusCode() == http.StatusNotFound,
			reqErr.Code() == s3.ErrCodeNoSuchKey:
			return store.ErrNotFound
		case reqErr.StatusCode() == http.StatusUnauthorized,
			reqErr.StatusCode() == http.StatusForbidden:
			return fmt.Errorf("%w: %s", store.ErrAuth, reqErr.Code())
		case reqErr.StatusCode() >= 500,
			reqErr.StatusCode() == http.StatusRequestTimeout,
			reqErr.StatusCode() == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", errTransient, reqErr.Code())
		default:
			return fmt.Errorf("%w: %s", store.ErrIO, reqErr.Error())
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "RequestError", "RequestTimeout", "SerializationError":
			// The SDK wraps connection resets, timeouts and short
			// bodies under these codes.
			return fmt.Errorf("%w: %s", errTransient, aerr.Code())
		case "NoCredentialProviders", "ExpiredToken", "ExpiredTokenException":
			return fmt.Errorf("%w: %s", store.ErrAuth, aerr.Code())
		}
		return fmt.Errorf("%w: %s", store.ErrIO, aerr.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", errTransient, netErr)
	}

	return err
}

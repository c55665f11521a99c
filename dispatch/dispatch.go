// Package dispatch implements the retry/failover state machine (C7):
// select-credential -> issue-call -> classify-outcome -> {done | retry-same
// | failover | abort}.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	laikyerrors "github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/kirobridge/kirobridge/common/logger"
	"github.com/kirobridge/kirobridge/credential"
	"github.com/kirobridge/kirobridge/kiro"
	"github.com/kirobridge/kirobridge/outer"
	"github.com/kirobridge/kirobridge/token"
)

// perCredentialBudget and globalBudget are the §4.7 retry budgets.
const (
	perCredentialBudget = 3
	globalBudget        = 9
	pingInterval        = 15 * time.Second
	idleTimeout         = 60 * time.Second
)

// ErrBudgetExhausted means every retry/failover budget was spent without a
// successful attempt.
var ErrBudgetExhausted = laikyerrors.New("retry budget exhausted")

// Sink receives one SSE event at a time, in order. A non-nil error aborts
// the in-flight attempt without failover (§5 "Cancellation").
type Sink interface {
	Emit(ev outer.SSEEvent) error
}

// Dispatcher owns one request's credential selection, upstream call, and
// streaming decode loop.
type Dispatcher struct {
	pool   *credential.Pool
	tokens *token.Manager
	client *kiro.Client
}

// New returns a Dispatcher wired to the shared pool, token manager, and
// Inner API client.
func New(pool *credential.Pool, tokens *token.Manager, client *kiro.Client) *Dispatcher {
	return &Dispatcher{pool: pool, tokens: tokens, client: client}
}

// Run drives one Outer request to completion, emitting every SSE event to
// sink as it is produced. It also returns the consolidated outer.Response
// (useful to non-streaming callers, and for logging token usage in the
// streaming case). outerModel is the Outer-facing model name echoed on
// message_start.
func (d *Dispatcher) Run(ctx context.Context, inner *kiro.Request, outerModel string, sink Sink) (*outer.Response, error) {
	var (
		cred        *credential.Credential
		excludeID   int64
		credAttempt int
		authRetried bool
		global      int
		haveCred    bool
	)

	for {
		if cred == nil {
			var err error
			if !haveCred {
				cred, err = d.pool.Acquire()
				haveCred = true
			} else {
				cred, err = d.pool.Next(excludeID)
			}
			if err != nil {
				return nil, err
			}
			credAttempt = 0
			authRetried = false
		}

		// global bounds total upstream attempts (L1), so it is counted
		// once per call to attempt, not once per credential selection.
		global++
		if global > globalBudget {
			return nil, ErrBudgetExhausted
		}
		credAttempt++

		result, outcome := d.attempt(ctx, cred, inner, outerModel, sink)

		switch outcome.action {
		case actionDone:
			d.pool.RecordSuccess(cred.ID)
			return result, nil

		case actionAbort:
			d.pool.RecordFailure(cred.ID)
			return result, outcome.err

		case actionForceRefreshRetry:
			if !authRetried {
				authRetried = true
				if _, err := d.tokens.ForceRefresh(ctx, cred); err != nil {
					logger.Logger.Warn("force refresh after auth error failed",
						zap.Int64("credentialId", cred.ID), zap.Error(err))
				}
				continue // retry-same, does not consume credAttempt's failover path
			}
			fallthrough

		case actionFailover:
			d.pool.RecordFailure(cred.ID)
			excludeID = cred.ID
			cred = nil
			continue

		case actionQuotaExhausted:
			d.pool.RecordQuotaExhausted(cred.ID)
			excludeID = cred.ID
			cred = nil
			continue

		case actionRetrySame:
			// report_failure semantics: every failed call counts, not
			// only the one that exhausts the per-credential budget.
			d.pool.RecordFailure(cred.ID)
			if credAttempt >= perCredentialBudget {
				excludeID = cred.ID
				cred = nil
				continue
			}
			sleepBackoff(ctx, credAttempt-1)
			continue
		}
	}
}

func sleepBackoff(ctx context.Context, attempt int) {
	t := time.NewTimer(Backoff(attempt))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

type action int

const (
	actionDone action = iota
	actionRetrySame
	actionForceRefreshRetry
	actionFailover
	actionQuotaExhausted
	actionAbort
)

// monthlyRequestCountMarker is the upstream quota-exhaustion marker named
// in a 402 response body (EXPANDED §3 "Quota exhaustion is an immediate,
// non-auto-healing disable").
const monthlyRequestCountMarker = "MONTHLY_REQUEST_COUNT"

type outcome struct {
	action action
	err    error
}

// attempt issues exactly one upstream call on cred and drives it to
// completion or a classifiable failure. It returns the consolidated
// response only on actionDone.
func (d *Dispatcher) attempt(ctx context.Context, cred *credential.Credential, inner *kiro.Request, outerModel string, sink Sink) (*outer.Response, outcome) {
	accessToken, err := d.tokens.GetToken(ctx, cred)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	reqCopy := *inner
	reqCopy.ProfileArn = cred.ProfileArn

	id := kiro.Identity{
		AccessToken: accessToken,
		MachineID:   d.tokens.MachineIDFor(cred),
		KiroVersion: d.tokens.KiroVersion(),
		APIRegion:   d.tokens.APIRegion(),
	}

	body, err := d.client.Send(ctx, &reqCopy, id)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer body.Close()

	return d.drain(ctx, body, outerModel, sink)
}

// drain reads the upstream byte stream, decodes frames, feeds them through
// the transducer, and emits resulting SSE events to sink, implementing
// §4.6 rules 1-8 and the §4.7 decode-error / empty-body outcomes.
func (d *Dispatcher) drain(ctx context.Context, body io.ReadCloser, outerModel string, sink Sink) (*outer.Response, outcome) {
	decoder := kiro.NewDecoder()
	transducer := kiro.NewTransducer(outerModel)
	wrote := false

	chunks, readErrc := readChunks(ctx, body)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	emit := func(events ...outer.SSEEvent) error {
		for _, ev := range events {
			if err := sink.Emit(ev); err != nil {
				return err
			}
			wrote = true
		}
		return nil
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if !wrote {
					return nil, outcome{action: actionFailover}
				}
				finalEvents := transducer.Finish()
				if err := emit(finalEvents...); err != nil {
					return nil, outcome{action: actionAbort, err: err}
				}
				result := transducer.Result()
				return &result, outcome{action: actionDone}
			}

			decoder.Feed(chunk)
			for {
				frame, ferr := decoder.Next()
				if errors.Is(ferr, kiro.ErrIncomplete) {
					break
				}
				if ferr != nil {
					if !wrote {
						return nil, outcome{action: actionFailover}
					}
					return nil, outcome{action: actionAbort, err: ferr}
				}

				ev, cerr := kiro.Classify(frame)
				if cerr != nil {
					if !wrote {
						return nil, outcome{action: actionFailover}
					}
					return nil, outcome{action: actionAbort, err: cerr}
				}

				sseEvents, errMsg := transducer.Feed(ev)
				if err := emit(sseEvents...); err != nil {
					return nil, outcome{action: actionAbort, err: err}
				}
				if errMsg != "" {
					if !wrote {
						return nil, outcome{action: actionFailover}
					}
					if err := emit(errorEvent(errMsg)); err != nil {
						return nil, outcome{action: actionAbort, err: err}
					}
					return nil, outcome{action: actionAbort, err: laikyerrors.New(errMsg)}
				}
				if ev.Kind == kiro.EventMessageStop {
					finalEvents := transducer.Finish()
					if err := emit(finalEvents...); err != nil {
						return nil, outcome{action: actionAbort, err: err}
					}
					result := transducer.Result()
					return &result, outcome{action: actionDone}
				}
			}

			ticker.Reset(pingInterval)
			idle.Reset(idleTimeout)

		case rerr := <-readErrc:
			if !wrote {
				return nil, outcome{action: actionFailover}
			}
			return nil, outcome{action: actionAbort, err: rerr}

		case <-ticker.C:
			if err := emit(outer.SSEEvent{Name: outer.EventPing, Data: outer.PingPayload{Type: outer.EventPing}}); err != nil {
				return nil, outcome{action: actionAbort, err: err}
			}

		case <-idle.C:
			if !wrote {
				return nil, outcome{action: actionFailover}
			}
			return nil, outcome{action: actionAbort, err: laikyerrors.New("idle timeout waiting for upstream frames")}

		case <-ctx.Done():
			return nil, outcome{action: actionAbort, err: ctx.Err()}
		}
	}
}

func errorEvent(message string) outer.SSEEvent {
	return outer.SSEEvent{
		Name: outer.EventError,
		Data: outer.ErrorEventPayload{Type: outer.EventError, Error: outer.Error{Type: outer.ErrAPI, Message: message}},
	}
}

// readChunks copies body into a channel of byte slices on a background
// goroutine so the select loop in drain can also watch ping/idle timers.
func readChunks(ctx context.Context, body io.Reader) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errc <- err
				}
				return
			}
		}
	}()

	return chunks, errc
}

// classifyTokenError maps a token-manager failure to a dispatch outcome.
func classifyTokenError(err error) outcome {
	var rerr *token.RefreshError
	if errors.As(err, &rerr) {
		if rerr.Kind == token.FailurePermanent {
			return outcome{action: actionFailover}
		}
		return outcome{action: actionRetrySame}
	}
	return outcome{action: actionFailover}
}

// classifyHTTPError maps the Inner API client's error to a dispatch
// outcome per §4.7's outcome-classification table.
func classifyHTTPError(err error) outcome {
	var statusErr *kiro.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 402 && bytes.Contains(statusErr.Body, []byte(monthlyRequestCountMarker)):
			return outcome{action: actionQuotaExhausted}
		case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
			return outcome{action: actionForceRefreshRetry}
		case statusErr.StatusCode == 429:
			return outcome{action: actionRetrySame}
		case statusErr.StatusCode >= 500:
			return outcome{action: actionRetrySame}
		default:
			return outcome{action: actionAbort, err: err}
		}
	}
	// network/connect/TLS/DNS error: transient, retry-same with backoff.
	return outcome{action: actionRetrySame}
}

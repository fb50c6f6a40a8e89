// Package retry provides backoff sequences and retry loops for reconnecting streams.
//
// # Overview
//
// Two styles are offered. Do runs a function until it succeeds or MaxAttempts is
// reached. Backoff hands out delays one at a time for workers that own their own
// loop, such as a failover chain that must interleave retries with other work.
//
// # Policies
//
//   - Fixed: wait InitialDelay between every attempt (endpoint retry_interval)
//   - Exponential: multiply by Multiplier after each attempt, capped at MaxDelay
//
// # Usage Examples
//
// Reconnect loop owned by a worker:
//
//	backoff, err := retry.NewBackoff(retry.Interval(15 * time.Second))
//	for {
//	    if s, err := endpoint.Open(ctx); err == nil {
//	        backoff.Reset()
//	        return s, nil
//	    }
//	    if err := retry.Sleep(ctx, backoff.Next()); err != nil {
//	        return nil, err
//	    }
//	}
//
// One-shot operation:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return listener.Listen()
//	})
//
// # Context Cancellation
//
// Sleep and Do return as soon as the context is cancelled, so a worker asked to
// exit never waits out a full retry interval.
package retry

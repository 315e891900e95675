/*
Package target implements fleetd's target-state synchronization engine:
the cache of the last fetched document, the conditional fetch/update
protocol, and the poller that drives periodic fetches.

# Fetch Protocol

Update performs one conditional GET against the orchestrator using the
cached ETag as an If-None-Match precondition:

  - 304 Not Modified: nothing is mutated, nothing is emitted.
  - 200 OK: the cache (body + new ETag) is replaced atomically and a
    single target-state.update event is published, carrying a deep copy
    of the new body plus the force/fromAPI flags of the caller.

A fetch mutex guarantees at most one fetch in flight process-wide; a
concurrent Update blocks until the running one has finished its cache
write, then performs its own (possibly redundant but safe) fetch. The
last-fetch timestamp is recorded unconditionally on exit, success or
failure, after the lock is released.

Get returns a copy of the cached body, fetching first when the cache is
empty. Callers may mutate their copy: it never aliases the cache.

# Poller

The poller is an explicit loop in its own goroutine (Start is
idempotent, Stop ends it; there is no other terminal state). Each
cycle:

 1. Read the nominal poll interval. If that read fails, sleep a fixed
    10s and retry: no request was attempted, so no backoff applies.
 2. Unless skipping the first fetch (instantUpdates disabled or
    unreadable at startup), call Update.
 3. On success, reset the failure counter and sleep the nominal
    interval plus uniform jitter in [0, MaxJitter).
 4. On failure, sleep min(interval, 15s * 2^failures) instead.

The sleep computations (jitteredInterval, retryDelay) are pure
functions, unit-tested independently of the loop driver.
*/
package target

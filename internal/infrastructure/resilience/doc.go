/*
Package resilience provides per-upstream circuit breakers.

The network handler keeps one breaker per upstream host so a failing site
stops consuming an app's fetch budget while other hosts stay reachable.

# States

	closed     calls run; failures are counted per Window
	open       calls are rejected with *OpenError until Cooldown passes
	half-open  up to Trials calls run; all succeeding closes the breaker,
	           any failure reopens it

A closed breaker opens after FailureThreshold consecutive failures, or when
FailureRatio is set and at least MinRequests calls in the window failed
above that ratio. Errors matched by Ignore (cancellation, policy rejections)
leave the counts untouched.

# Usage

	breakers := resilience.NewGroup(resilience.Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	})

	err := breakers.Do(host, func() error {
		return call(ctx)
	})

	var open *resilience.OpenError
	if errors.As(err, &open) {
		// surface open.RetryAfter to the caller
	}
*/
package resilience

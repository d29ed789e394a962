// Package health monitors identity-provider availability and decides the
// gateway's fallback strategy.
//
// The Monitor runs one probe goroutine per tracked provider. Consecutive
// failures past the threshold activate degraded-fallback; recovery is
// debounced so one lucky probe never flaps the breaker. Live authentication
// failures reported through HandleFailure count toward the same threshold as
// scheduled probes. An operator-set maintenance flag overrides everything.
package health

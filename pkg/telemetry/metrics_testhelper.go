package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	sessionCounter = nil
	sessionActive = nil
	sessionDuration = nil
	muxGroupCounter = nil
	muxGroupsActive = nil
	connectCounter = nil
	connectRetryCounter = nil
	throttleDelayCounter = nil
	filterErrorCounter = nil
}

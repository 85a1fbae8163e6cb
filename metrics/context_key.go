package metrics

type contextKey string

func (c contextKey) String() string {
	return "metricsContextKey" + string(c)
}

// RetriesKey carries the per-request Retries accumulator between
// MonitorRequest and HttpRetryHook.
var RetriesKey = contextKey("FlexcoreClientRetries")

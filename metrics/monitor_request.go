package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Retries accumulates what HttpRetryHook observed across one monitored
// request's retry chain.
type Retries struct {
	count          int
	lastStatusCode int
}

// transportFailureCode is the pseudo status recorded when an attempt died
// without any HTTP response at all: refused or closed connections and
// timeouts, which have no status code to report.
const transportFailureCode = 999

// MonitorRequest issues r through client and records duration, retry
// count, and failure metrics for the outbound call. The retry counter
// starts at -1 so a request that succeeds on its first send reports zero
// retries. The request's own context (and therefore its deadline) is
// preserved.
func MonitorRequest(clientMetrics ClientMetrics, client *http.Client, r *http.Request) (*http.Response, error) {
	ctx := context.WithValue(r.Context(), RetriesKey, &Retries{-1, 0})
	req := r.WithContext(ctx)

	start := time.Now()
	res, err := client.Do(req)
	duration := time.Since(start)

	retries := ctx.Value(RetriesKey).(*Retries)
	if retries.lastStatusCode >= 400 {
		clientMetrics.FailureCount.WithLabelValues(req.URL.Host, fmt.Sprint(retries.lastStatusCode)).Inc()
		return res, err
	}

	clientMetrics.RequestDuration.WithLabelValues(req.URL.Host).Observe(duration.Seconds())
	clientMetrics.RetryCount.WithLabelValues(req.URL.Host).Set(float64(retries.count))
	return res, err
}

// HttpRetryHook is the retryablehttp CheckRetry installed on clients whose
// calls go through MonitorRequest: it counts attempts and remembers the
// last status seen, then defers the actual retry decision to the default
// policy. A request that reached the transport without the MonitorRequest
// wrapper has no counter to update and just gets the default policy.
func HttpRetryHook(ctx context.Context, res *http.Response, err error) (bool, error) {
	if retries, ok := ctx.Value(RetriesKey).(*Retries); ok {
		if res == nil {
			retries.lastStatusCode = transportFailureCode
		} else {
			retries.lastStatusCode = res.StatusCode
		}
		retries.count++
	}
	return retryablehttp.DefaultRetryPolicy(ctx, res, err)
}

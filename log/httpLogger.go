package log

import (
	"github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
)

// retryableHTTPLogger adapts the structured logger to retryablehttp's
// LeveledLogger so the Cablecast client's internal retry chatter lands in
// the same logfmt stream as the rest of the pipeline. Retry noise carries
// no job id of its own (one client is shared by every worker), so each
// line is tagged with the client scope instead, and the levels are gated
// behind increasing glog verbosity: errors at -v=3 down to per-request
// debug at -v=6.
type retryableHTTPLogger struct {
	scope string
}

var _ retryablehttp.LeveledLogger = retryableHTTPLogger{}

// NewRetryableHTTPLogger builds the logger the Cablecast client installs
// on its retryablehttp transport.
func NewRetryableHTTPLogger() retryablehttp.LeveledLogger {
	return retryableHTTPLogger{scope: "cablecast-http"}
}

func (r retryableHTTPLogger) log(level glog.Level, msg string, keysAndValues ...interface{}) {
	if glog.V(level) {
		LogNoRequestID(msg, append([]interface{}{"client", r.scope}, keysAndValues...)...)
	}
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	r.log(3, msg, keysAndValues...)
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	r.log(4, msg, keysAndValues...)
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	r.log(5, msg, keysAndValues...)
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	r.log(6, msg, keysAndValues...)
}

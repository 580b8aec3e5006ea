package errors

import "sync"

// Reporter receives errors that ended a consultation or an artifact job.
type Reporter interface {
	Report(ee *EnhancedError)
}

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

// Report forwards err to the configured reporter once. Errors that are not
// EnhancedErrors are wrapped as generic.
func Report(err error) {
	if err == nil {
		return
	}
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r == nil {
		return
	}

	var ee *EnhancedError
	if !As(err, &ee) {
		ee = New(err).Build()
	}

	ee.mu.Lock()
	if ee.reported {
		ee.mu.Unlock()
		return
	}
	ee.reported = true
	ee.mu.Unlock()

	r.Report(ee)
}

package errors

import "sync"

// Reporter forwards errors to an external tracker.
type Reporter interface {
	Report(err error, tags map[string]string)
}

var (
	reporter   Reporter
	reporterMu sync.RWMutex
)

// SetReporter installs the process-wide reporter. Passing nil disables reporting.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

// Report sends err to the installed reporter, tagging it with its category.
// It is a no-op when err is nil or no reporter is installed.
func Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r == nil {
		return
	}

	merged := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		merged[k] = v
	}
	merged["category"] = string(CategoryOf(err))
	r.Report(err, merged)
}

package simulator

import "time"

// ReconstructInitiatedTime recovers when a call first rang. The first
// attempt started at its own completion reference; later attempts subtract
// the wait accumulated before them and are truncated to whole seconds.
func ReconstructInitiatedTime(completed time.Time, accumulatedWait int64, attempt int) time.Time {
	if attempt == 0 {
		return completed
	}
	return completed.Add(-time.Duration(accumulatedWait) * time.Second).Truncate(time.Second)
}

package requestlog

import "time"

// cleanupInterval is how often expired entries are deleted.
const cleanupInterval = time.Hour

// runCleanupLoop calls cleanup immediately and then every cleanupInterval
// until stop is closed.
func runCleanupLoop(stop <-chan struct{}, cleanup func()) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	cleanup()
	for {
		select {
		case <-ticker.C:
			cleanup()
		case <-stop:
			return
		}
	}
}

func retentionCutoff(retentionDays int) time.Time {
	return time.Now().AddDate(0, 0, -retentionDays).UTC()
}

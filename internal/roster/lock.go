package roster

import "time"

// LockInfo is the content of the single-writer lock file.
type LockInfo struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	MachineID string    `json:"machineId"`
	Sequence  int64     `json:"sequence"`
}

// IsStale reports whether the lock's last heartbeat is at least threshold old.
// A lock is live only while its age is strictly below threshold.
func (l LockInfo) IsStale(now time.Time, threshold time.Duration) bool {
	return Expired(l.Timestamp, now, threshold)
}

// Expired reports whether a timestamp written at stamp has reached threshold
// age by now.
func Expired(stamp, now time.Time, threshold time.Duration) bool {
	return now.Sub(stamp) >= threshold
}

// MergeLock marks a merge in progress so a crash mid-merge is detectable.
// User and MachineID name the merging participant.
type MergeLock struct {
	Participants []string  `json:"participants"`
	Timestamp    time.Time `json:"timestamp"`
	User         string    `json:"user,omitempty"`
	MachineID    string    `json:"machineId,omitempty"`
}

package state

import (
	"os"
	"time"
)

// TDDLockMaxAge is how old a semaphore may be before it is considered
// stale and removable.
const TDDLockMaxAge = time.Hour

// TDDLock is the JSON content of the presence-only TDD-mode semaphore.
// While the file is present, test-failure detections must not enqueue.
type TDDLock struct {
	CreatedAt time.Time `json:"created_at"`
	Command   string    `json:"command"`
	Feature   string    `json:"feature,omitempty"`
}

// AcquireTDDLock writes the semaphore file.
func AcquireTDDLock(path, command, feature string) error {
	return WriteJSON(path, &TDDLock{
		CreatedAt: time.Now().UTC(),
		Command:   command,
		Feature:   feature,
	})
}

// TDDLockActive reports whether a non-stale semaphore is present.
// Presence is what suppresses enqueues; malformed content still counts
// as present until it goes stale by file age.
func TDDLockActive(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	var lock TDDLock
	if found, err := ReadJSON(path, &lock); err == nil && found && !lock.CreatedAt.IsZero() {
		return time.Since(lock.CreatedAt) < TDDLockMaxAge
	}
	return time.Since(info.ModTime()) < TDDLockMaxAge
}

// RemoveTDDLockIfStale deletes a semaphore older than TDDLockMaxAge.
// Returns true when a stale file was removed.
func RemoveTDDLockIfStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	age := time.Since(info.ModTime())
	var lock TDDLock
	if found, err := ReadJSON(path, &lock); err == nil && found && !lock.CreatedAt.IsZero() {
		age = time.Since(lock.CreatedAt)
	}
	if age < TDDLockMaxAge {
		return false
	}
	return os.Remove(path) == nil
}

// ReleaseTDDLock removes the semaphore regardless of age.
func ReleaseTDDLock(path string) {
	_ = os.Remove(path)
}

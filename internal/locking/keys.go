package locking

// Lock key builders. Every lockable resource gets a stable key so that two
// operations on the same resource always contend on the same entry.

// FileKey returns the lock key serializing mutations of a single file.
func FileKey(fileID string) string { return "lock:file:" + fileID }

// UserKey returns the lock key serializing user-wide operations.
func UserKey(userID string) string { return "lock:user:" + userID }

// QuotaKey returns the lock key guarding a user's quota check-and-reserve.
func QuotaKey(userID string) string { return "lock:quota:" + userID }

package roster

import (
	"strings"
	"time"
)

// Shared folder layout.
const (
	BaseFile      = "roster.base.db"
	LockFile      = "roster.lock"
	MergeLockFile = "roster.merge-lock.json"
	DoorbellFile  = "roster.doorbell.json"
	ChangesDir    = "changes/"

	FilePrefix    = "roster."
	WorkingPrefix = "roster.working."
	BackupPrefix  = "roster.backup."

	syncStatePrefix = "roster.sync-state."
	snapshotSuffix  = ".db"
	backupTimeFmt   = "20060102T150405Z"
)

// Slug turns a user name into a file-name-safe token: lower case letters,
// digits, '-' and '_'. Runs of other characters collapse to a single '-'.
func Slug(user string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(user)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "user"
	}
	return s
}

// WorkingFile names a user's working copy.
func WorkingFile(user string) string {
	return WorkingPrefix + Slug(user) + snapshotSuffix
}

// ParseWorkingFile returns the user slug of a working copy name.
func ParseWorkingFile(name string) (string, bool) {
	if !strings.HasPrefix(name, WorkingPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return "", false
	}
	slug := strings.TrimSuffix(strings.TrimPrefix(name, WorkingPrefix), snapshotSuffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	return slug, true
}

// BackupFile names the archived copy of name taken at ts.
func BackupFile(ts time.Time, name string) string {
	return BackupPrefix + ts.UTC().Format(backupTimeFmt) + "." + name
}

// ParseBackupFile returns the archive time and original name of a backup.
func ParseBackupFile(name string) (time.Time, string, bool) {
	rest, ok := strings.CutPrefix(name, BackupPrefix)
	if !ok {
		return time.Time{}, "", false
	}
	stamp, original, ok := strings.Cut(rest, ".")
	if !ok {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(backupTimeFmt, stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, original, true
}

// SyncStateFile names a user's change-log sync state.
func SyncStateFile(user string) string {
	return syncStatePrefix + Slug(user) + ".json"
}

// ChangeSetFile names a legacy change-set file.
func ChangeSetFile(id string) string {
	return ChangesDir + id + ".json"
}

package foldersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"rostersync/internal/roster"
)

// WorkingCopy is one user's working file in the folder.
type WorkingCopy struct {
	User string // slug
	Info roster.FileInfo
}

// Backup is an archived file.
type Backup struct {
	Name     string
	Original string
	Time     time.Time
}

// Scan is one enumeration of the shared folder.
type Scan struct {
	Base          *roster.FileInfo
	WorkingCopies []WorkingCopy
	Backups       []Backup

	MergeLock *roster.MergeLock
	// MergeLockCorrupt is set when a merge-lock file exists but cannot be parsed.
	MergeLockCorrupt bool
}

// Has reports whether user has a working copy.
func (s *Scan) Has(user string) bool {
	slug := roster.Slug(user)
	for _, w := range s.WorkingCopies {
		if w.User == slug {
			return true
		}
	}
	return false
}

// Participants returns the users with working copies, sorted.
func (s *Scan) Participants() []string {
	users := make([]string, 0, len(s.WorkingCopies))
	for _, w := range s.WorkingCopies {
		users = append(users, w.User)
	}
	return users
}

// Phase derives the folder phase for user. pending reports a locally stored
// merge waiting on resolutions.
func (s *Scan) Phase(user string, pending bool) Phase {
	switch {
	case pending:
		return MergePending
	case s.Base == nil:
		return NoBase
	case len(s.WorkingCopies) >= 2:
		return NeedsMerge
	case len(s.WorkingCopies) == 1 && s.Has(user):
		return Active
	default:
		return HasBaseNoMergeNeeded
	}
}

// ScanFolder lists every roster file and classifies it.
func ScanFolder(ctx context.Context, folder roster.Folder, logger roster.Logger) (*Scan, error) {
	files, err := folder.List(ctx, roster.FilePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing folder: %w", err)
	}

	scan := &Scan{}
	for _, f := range files {
		switch {
		case f.Name == roster.BaseFile:
			info := f
			scan.Base = &info

		case f.Name == roster.MergeLockFile:
			ml, err := readMergeLock(ctx, folder)
			if err != nil {
				if !roster.IsNotFound(err) && roster.KindOf(err) != roster.KindInvalid {
					return nil, err
				}
				logger.Warn("unreadable merge lock", "error", err)
				scan.MergeLockCorrupt = !roster.IsNotFound(err)
				continue
			}
			scan.MergeLock = ml

		default:
			if user, ok := roster.ParseWorkingFile(f.Name); ok {
				scan.WorkingCopies = append(scan.WorkingCopies, WorkingCopy{User: user, Info: f})
				continue
			}
			if ts, original, ok := roster.ParseBackupFile(f.Name); ok {
				scan.Backups = append(scan.Backups, Backup{Name: f.Name, Original: original, Time: ts})
			}
		}
	}

	sort.Slice(scan.WorkingCopies, func(i, j int) bool {
		return scan.WorkingCopies[i].User < scan.WorkingCopies[j].User
	})
	sort.Slice(scan.Backups, func(i, j int) bool {
		if !scan.Backups[i].Time.Equal(scan.Backups[j].Time) {
			return scan.Backups[i].Time.After(scan.Backups[j].Time)
		}
		return scan.Backups[i].Name < scan.Backups[j].Name
	})
	return scan, nil
}

// readMergeLock returns the merge lock. A corrupt file is reported as a
// KindInvalid storage error.
func readMergeLock(ctx context.Context, folder roster.Folder) (*roster.MergeLock, error) {
	var buf bytes.Buffer
	if err := folder.Read(ctx, roster.MergeLockFile, &buf); err != nil {
		return nil, err
	}
	var ml roster.MergeLock
	if err := json.Unmarshal(buf.Bytes(), &ml); err != nil {
		return nil, roster.NewStorageError(roster.KindInvalid, "read", roster.MergeLockFile, err)
	}
	return &ml, nil
}

func writeMergeLock(ctx context.Context, folder roster.Folder, ml roster.MergeLock) error {
	data, err := json.Marshal(ml)
	if err != nil {
		return fmt.Errorf("encoding merge lock: %w", err)
	}
	return folder.Write(ctx, roster.MergeLockFile, bytes.NewReader(data), int64(len(data)))
}

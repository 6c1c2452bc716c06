package roster_test

import (
	"errors"
	"fmt"
	"testing"

	"rostersync/internal/roster"
)

func TestStorageError_Classification(t *testing.T) {
	tests := []struct {
		kind       roster.ErrorKind
		notFound   bool
		transient  bool
		permission bool
	}{
		{kind: roster.KindNotFound, notFound: true},
		{kind: roster.KindTransient, transient: true},
		{kind: roster.KindPermission, permission: true},
		{kind: roster.KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("syncing: %w", roster.NewStorageError(tt.kind, "read", "roster.base.db", errors.New("boom")))

			if got := roster.IsNotFound(err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := roster.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := roster.IsPermission(err); got != tt.permission {
				t.Errorf("IsPermission() = %v, want %v", got, tt.permission)
			}
			if got := roster.KindOf(err); got != tt.kind {
				t.Errorf("KindOf() = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestLockHeldError(t *testing.T) {
	err := fmt.Errorf("acquiring: %w", &roster.LockHeldError{Holder: roster.LockInfo{User: "bob", MachineID: "m2"}})

	if !errors.Is(err, roster.ErrLockHeld) {
		t.Fatal("errors.Is(err, ErrLockHeld) = false")
	}
	var held *roster.LockHeldError
	if !errors.As(err, &held) {
		t.Fatal("errors.As(err, *LockHeldError) = false")
	}
	if held.Holder.User != "bob" {
		t.Errorf("Holder.User = %q, want %q", held.Holder.User, "bob")
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		kind    string
		index   int
		want    roster.Resolution
		wantErr bool
	}{
		{kind: "base", want: roster.KeepBase{}},
		{kind: "modifier", index: 1, want: roster.TakeModifier{Index: 1}},
		{kind: "delete", want: roster.DeleteRow{}},
		{kind: "all", want: roster.KeepAll{}},
		{kind: "modifier", index: -1, wantErr: true},
		{kind: "theirs", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := roster.ParseResolution(tt.kind, tt.index)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResolution() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, roster.ErrInvalidResolution) {
					t.Errorf("error = %v, want ErrInvalidResolution", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseResolution() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

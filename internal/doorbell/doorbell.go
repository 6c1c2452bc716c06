// Package doorbell lets participants nudge each other to sync early. A ring
// is a small JSON file in the shared folder; listeners poll it, or watch it
// with fsnotify when the folder is a local directory. Missed or duplicated
// rings are harmless.
package doorbell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rostersync/internal/roster"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 30 * time.Second

// Chime is the content of the doorbell file.
type Chime struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	MachineID string    `json:"machineId"`
	Timestamp time.Time `json:"timestamp"`
}

type Options struct {
	User      string
	MachineID string

	PollInterval time.Duration

	// WatchDir, when set, is the local directory backing the folder. Rings
	// are then detected with fsnotify instead of polling.
	WatchDir string
}

// FolderDoorbell implements roster.Doorbell on top of a shared folder.
type FolderDoorbell struct {
	folder roster.Folder
	clock  roster.Clock
	ids    roster.IDGenerator
	logger roster.Logger
	opts   Options
}

var _ roster.Doorbell = (*FolderDoorbell)(nil)

func New(folder roster.Folder, clock roster.Clock, ids roster.IDGenerator, logger roster.Logger, opts Options) *FolderDoorbell {
	if clock == nil {
		clock = roster.RealClock{}
	}
	if ids == nil {
		ids = roster.UUIDGenerator{}
	}
	if logger == nil {
		logger = roster.NewNopLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &FolderDoorbell{folder: folder, clock: clock, ids: ids, logger: logger, opts: opts}
}

// Ring overwrites the doorbell file with a new chime.
func (d *FolderDoorbell) Ring(ctx context.Context) error {
	chime := Chime{
		ID:        d.ids.New(),
		User:      d.opts.User,
		MachineID: d.opts.MachineID,
		Timestamp: d.clock.Now(),
	}
	data, err := json.Marshal(chime)
	if err != nil {
		return fmt.Errorf("encoding chime: %w", err)
	}
	if err := d.folder.Write(ctx, roster.DoorbellFile, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("ringing doorbell: %w", err)
	}
	d.logger.Debug("doorbell rung", "id", chime.ID)
	return nil
}

// Listen signals whenever another machine rings. Chimes present before
// Listen was called do not signal. The channel is closed when ctx is done.
func (d *FolderDoorbell) Listen(ctx context.Context) (<-chan struct{}, error) {
	last := ""
	if chime, err := d.read(ctx); err != nil {
		return nil, err
	} else if chime != nil {
		last = chime.ID
	}

	var trigger <-chan struct{}
	var stop func()
	if d.opts.WatchDir != "" {
		w, err := NewWatcher(roster.DoorbellFile)
		if err != nil {
			return nil, err
		}
		if err := w.Start(d.opts.WatchDir); err != nil {
			w.Stop()
			return nil, err
		}
		trigger = w.Events()
		stop = func() {
			if err := w.Stop(); err != nil {
				d.logger.Warn("stopping doorbell watcher", "error", err)
			}
		}
		go func() {
			for err := range w.Errors() {
				d.logger.Warn("doorbell watcher error", "error", err)
			}
		}()
	} else {
		ticker := time.NewTicker(d.opts.PollInterval)
		ticks := make(chan struct{}, 1)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					select {
					case ticks <- struct{}{}:
					default:
					}
				}
			}
		}()
		trigger = ticks
		stop = func() {
			ticker.Stop()
			close(done)
		}
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-trigger:
				if !ok {
					return
				}
				chime, err := d.read(ctx)
				if err != nil {
					d.logger.Debug("reading doorbell", "error", err)
					continue
				}
				if chime == nil || chime.ID == last {
					continue
				}
				last = chime.ID
				if chime.MachineID == d.opts.MachineID {
					continue
				}
				d.logger.Debug("doorbell heard", "user", chime.User, "id", chime.ID)
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// read returns the current chime, or nil when there is none or it is corrupt.
func (d *FolderDoorbell) read(ctx context.Context) (*Chime, error) {
	var buf bytes.Buffer
	if err := d.folder.Read(ctx, roster.DoorbellFile, &buf); err != nil {
		if roster.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var chime Chime
	if err := json.Unmarshal(buf.Bytes(), &chime); err != nil || chime.ID == "" {
		d.logger.Warn("ignoring corrupt doorbell file", "error", err)
		return nil, nil
	}
	return &chime, nil
}

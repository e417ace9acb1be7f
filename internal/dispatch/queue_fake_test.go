package dispatch_test

import (
	"context"
	"sort"
	"time"

	"github.com/brainlytree/canopy/internal/dispatch"
	"github.com/brainlytree/canopy/internal/store"
)

// fakeQueue is an in-memory dispatch.Queue mirroring the store's command
// state machine: conditional transitions report whether they applied.
type fakeQueue struct {
	commands map[string]*store.Command
	nextID   uint
}

var _ dispatch.Queue = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue {
	return &fakeQueue{commands: make(map[string]*store.Command), nextID: 1}
}

func (f *fakeQueue) EnqueueCommand(_ context.Context, cmd *store.Command) error {
	cmd.ID = f.nextID
	f.nextID++
	copied := *cmd
	f.commands[cmd.CommandID] = &copied
	return nil
}

func (f *fakeQueue) due(deviceID string, now time.Time, limit int) []store.Command {
	var out []store.Command
	for _, cmd := range f.commands {
		if cmd.Status != store.CommandPending {
			continue
		}
		if deviceID != "" && cmd.DeviceID != deviceID {
			continue
		}
		if cmd.ScheduledFor.After(now) || !cmd.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeQueue) DueCommands(_ context.Context, now time.Time, limit int) ([]store.Command, error) {
	return f.due("", now, limit), nil
}

func (f *fakeQueue) DueCommandsForDevice(_ context.Context, deviceID string, now time.Time) ([]store.Command, error) {
	return f.due(deviceID, now, 0), nil
}

func (f *fakeQueue) MarkCommandSent(_ context.Context, commandID string, at time.Time) (bool, error) {
	cmd, ok := f.commands[commandID]
	if !ok || cmd.Status != store.CommandPending {
		return false, nil
	}
	cmd.Status = store.CommandSent
	cmd.SentAt = &at
	return true, nil
}

func (f *fakeQueue) RequeueCommand(_ context.Context, commandID string) error {
	cmd, ok := f.commands[commandID]
	if !ok {
		return store.ErrNotFound
	}
	cmd.Status = store.CommandPending
	cmd.RetryCount++
	return nil
}

func (f *fakeQueue) AckCommand(_ context.Context, commandID string, at time.Time) (bool, error) {
	cmd, ok := f.commands[commandID]
	if !ok || cmd.Status != store.CommandSent {
		return false, nil
	}
	cmd.Status = store.CommandAcknowledged
	cmd.AckedAt = &at
	return true, nil
}

func (f *fakeQueue) ExpireCommands(_ context.Context, now time.Time) (int64, error) {
	var count int64
	for _, cmd := range f.commands {
		if cmd.Status == store.CommandPending && !cmd.ExpiresAt.After(now) {
			cmd.Status = store.CommandFailed
			count++
		}
	}
	return count, nil
}

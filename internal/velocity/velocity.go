// Package velocity tracks per-entity transaction counts and sums over
// tumbling windows of several sizes.
package velocity

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/profile"
)

// DefaultWindows are the window labels used when none are configured.
var DefaultWindows = []string{"1m", "1h", "24h"}

// ParseWindows converts labels such as "1m", "1h", "24h" or "7d" into
// specs sorted shortest first. Labels must be unique, positive durations.
func ParseWindows(labels []string) ([]profile.WindowSpec, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("at least one velocity window is required")
	}
	seen := make(map[time.Duration]string, len(labels))
	specs := make([]profile.WindowSpec, 0, len(labels))
	for _, label := range labels {
		size, err := parseSize(label)
		if err != nil {
			return nil, fmt.Errorf("velocity window %q: %w", label, err)
		}
		if prev, dup := seen[size]; dup {
			return nil, fmt.Errorf("velocity windows %q and %q have the same size", prev, label)
		}
		seen[size] = label
		specs = append(specs, profile.WindowSpec{Label: label, Size: size})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Size < specs[j].Size })
	return specs, nil
}

func parseSize(label string) (time.Duration, error) {
	label = strings.TrimSpace(label)
	var (
		size time.Duration
		err  error
	)
	if days, ok := strings.CutSuffix(label, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		size = time.Duration(n) * 24 * time.Hour
	} else {
		size, err = time.ParseDuration(label)
	}
	if err != nil {
		return 0, err
	}
	if size < time.Second {
		return 0, fmt.Errorf("must be at least one second")
	}
	return size, nil
}

// Snapshot holds one entity's window values, ordered shortest first.
type Snapshot []profile.Window

// Shortest returns the smallest window, or a zero Window when empty.
func (s Snapshot) Shortest() profile.Window {
	if len(s) == 0 {
		return profile.Window{Sum: decimal.Zero}
	}
	return s[0]
}

// Get returns the window with label.
func (s Snapshot) Get(label string) (profile.Window, bool) {
	for _, w := range s {
		if w.Label == label {
			return w, true
		}
	}
	return profile.Window{Sum: decimal.Zero}, false
}

// Tracker records events into the configured windows.
type Tracker struct {
	store   profile.Store
	windows []profile.WindowSpec
}

// NewTracker creates a tracker over windows (already parsed and sorted).
func NewTracker(store profile.Store, windows []profile.WindowSpec) *Tracker {
	return &Tracker{store: store, windows: windows}
}

// Windows returns the tracked window specs.
func (t *Tracker) Windows() []profile.WindowSpec {
	return t.windows
}

// RecordAndQuery adds one event for txID to every window of entity at event
// time now and returns the post-increment values. Replaying txID returns
// the current values without incrementing.
func (t *Tracker) RecordAndQuery(ctx context.Context, entity, txID string, amount decimal.Decimal, now time.Time) (Snapshot, error) {
	ws, err := t.store.IncrementWindows(ctx, entity, txID, t.windows, amount, now)
	if err != nil {
		return nil, fmt.Errorf("record velocity for %s: %w", entity, err)
	}
	return Snapshot(ws), nil
}

// Query returns live window values without recording anything.
func (t *Tracker) Query(ctx context.Context, entity string, now time.Time) (Snapshot, error) {
	ws, err := t.store.Windows(ctx, entity, t.windows, now)
	if err != nil {
		return nil, fmt.Errorf("query velocity for %s: %w", entity, err)
	}
	return Snapshot(ws), nil
}

package game

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timer measures elapsed play time in whole seconds and freezes on Stop.
type Timer struct {
	Now     func() time.Time // defaults to time.Now
	started time.Time
	stopped time.Time
}

func (t *Timer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Start begins timing; restarting clears a previous stop.
func (t *Timer) Start() {
	t.started = t.now()
	t.stopped = time.Time{}
}

// Stop freezes elapsed time. Stopping twice keeps the first stop.
func (t *Timer) Stop() {
	if t.started.IsZero() || !t.stopped.IsZero() {
		return
	}
	t.stopped = t.now()
}

// Elapsed returns whole seconds since Start (or until Stop).
func (t *Timer) Elapsed() int {
	if t.started.IsZero() {
		return 0
	}
	end := t.stopped
	if end.IsZero() {
		end = t.now()
	}
	return int(end.Sub(t.started) / time.Second)
}

// FormatTime renders seconds as "M:SS", or ":SS" under a minute.
// Negative values render as ":00".
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	m, s := seconds/60, seconds%60
	if m > 0 {
		return fmt.Sprintf("%d:%02d", m, s)
	}
	return fmt.Sprintf(":%02d", s)
}

// FormatAny formats loosely typed values (JSON numbers, numeric strings) as
// FormatTime does. Anything non-numeric renders as ":00".
func FormatAny(v any) string {
	switch x := v.(type) {
	case int:
		return FormatTime(x)
	case int64:
		return FormatTime(int(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return FormatTime(0)
		}
		return formatFloat(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return FormatTime(0)
		}
		return formatFloat(f)
	case *int:
		if x == nil {
			return FormatTime(0)
		}
		return FormatTime(*x)
	default:
		return FormatTime(0)
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return FormatTime(0)
	}
	return FormatTime(int(f))
}

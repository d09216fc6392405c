// Package notify implements the Notification Subsystem (spec §4.8): one-way,
// best-effort server→client advisory messages, plus the bounded delivery
// queue required by spec §5 ("notifications may be dropped rather than
// buffered unboundedly... must be bounded"). The bounded, drop-when-full
// discipline is modelled on the teacher's server/hooks.HookManager
// execution pool, adapted from bounded-concurrency webhook/shell dispatch
// to a bounded in-memory queue of outbound wire lines (spec additive
// feature, see SPEC_FULL.md §C.3).
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Notification codes (spec §4.8).
const (
	CodeTime           = 0
	CodeFirmware       = 1
	CodeFlags          = 2
	minVendorReserved  = 100
)

// Notification is a single server-originated advisory.
type Notification struct {
	Code int
	Args []string
}

// Encode renders the NTFY wire line, without the trailing LF.
func (n Notification) Encode() string {
	if len(n.Args) == 0 {
		return fmt.Sprintf("NTFY:%d", n.Code)
	}
	return fmt.Sprintf("NTFY:%d,%s", n.Code, strings.Join(n.Args, ","))
}

// Time constructs an NTFY:0 time-service notification. utcMs is omitted
// from the wire form when omitMs is true; utcSec is then written as a whole
// number of seconds. Use TimeFraction for the form whose seconds field
// carries a decimal fraction.
func Time(utcSec int64, utcMs int64, omitMs bool) Notification {
	if omitMs {
		return Notification{Code: CodeTime, Args: []string{strconv.FormatInt(utcSec, 10)}}
	}
	return Notification{Code: CodeTime, Args: []string{strconv.FormatInt(utcSec, 10), strconv.FormatInt(utcMs, 10)}}
}

// TimeFraction constructs an NTFY:0 notification carrying a fractional
// decimal second, e.g. "1700000000.125".
func TimeFraction(seconds string) Notification {
	return Notification{Code: CodeTime, Args: []string{seconds}}
}

// Firmware constructs an NTFY:1 firmware-advisory notification. url may be empty.
func Firmware(version string, url string) Notification {
	if url == "" {
		return Notification{Code: CodeFirmware, Args: []string{version}}
	}
	return Notification{Code: CodeFirmware, Args: []string{version, url}}
}

// Flags constructs the canonical NTFY:2 form (comma-separated, lowercase
// hex, no zero-padding) per Open Question #3's resolution in DESIGN.md: the
// colon form is never emitted.
func Flags(setFlags, clearFlags uint64) Notification {
	return Notification{
		Code: CodeFlags,
		Args: []string{strconv.FormatUint(setFlags, 16), strconv.FormatUint(clearFlags, 16)},
	}
}

// Vendor constructs a vendor-reserved notification (code >= 100).
func Vendor(code int, args ...string) (Notification, error) {
	if code < minVendorReserved {
		return Notification{}, fmt.Errorf("notify: vendor code %d below reserved range", code)
	}
	return Notification{Code: code, Args: args}, nil
}

// Queue is a bounded, single-session notification queue. When full, the
// oldest undelivered notification is dropped (never the newest) and
// DroppedCount increments; the session's line loop is never blocked
// waiting for capacity (spec §5 back-pressure policy).
type Queue struct {
	mu       sync.Mutex
	cap      int
	items    []Notification
	dropped  uint64
}

// NewQueue creates a bounded queue of the given capacity. capacity<=0 means
// a single-slot queue (the minimum useful bound).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{cap: capacity}
}

// Enqueue adds a notification, dropping the oldest queued one if full.
func (q *Queue) Enqueue(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, n)
}

// Drain removes and returns every currently queued notification, in FIFO
// order, for the caller to write at the next safe line boundary.
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// DroppedCount reports how many notifications have been dropped for
// capacity reasons since the queue was created.
func (q *Queue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// IsUnknownCode reports whether code is not one of the defined codes 0-2;
// reserved (3-99) and vendor (>= 100) codes both count as unknown, matching
// the "unknown codes MUST be silently dropped" rule for clients (spec §4.7).
func IsUnknownCode(code int) bool {
	return code != CodeTime && code != CodeFirmware && code != CodeFlags
}

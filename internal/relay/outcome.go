package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrPartialFailure matches (errors.Is) any Outcome error where at least one
// destination failed.
var ErrPartialFailure = errors.New("partial failure")

// SkipReason explains why a message produced no deliveries at all.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipAutomated      SkipReason = "automated_author"
	SkipNoNetwork      SkipReason = "no_network"
	SkipNoDestinations SkipReason = "no_destinations"
	SkipEmpty          SkipReason = "empty_message"
)

// DestinationResult is the delivery record for one member channel.
type DestinationResult struct {
	ChannelID  int64
	EndpointID int64
	Attempts   int
	// Refreshed is set when the cached endpoint was stale and got replaced.
	Refreshed bool
	Took      time.Duration
	Err       error
}

func (r DestinationResult) OK() bool { return r.Err == nil }

// Outcome aggregates one broadcast.
type Outcome struct {
	JobID   string
	Network string
	Origin  int64
	Skipped SkipReason

	Attachments        int // payloads relayed
	DroppedAttachments int

	Results []DestinationResult
	Took    time.Duration
}

func (o Outcome) Delivered() int {
	n := 0
	for _, r := range o.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

func (o Outcome) Failed() int { return len(o.Results) - o.Delivered() }

// Err returns nil when every destination succeeded, otherwise a
// *PartialFailure listing each failed channel.
func (o Outcome) Err() error {
	var causes *multierror.Error
	for _, r := range o.Results {
		if r.Err != nil {
			causes = multierror.Append(causes, fmt.Errorf("channel %d: %w", r.ChannelID, r.Err))
		}
	}
	if causes == nil {
		return nil
	}
	causes.ErrorFormat = compactErrors
	return &PartialFailure{Network: o.Network, Failed: causes.Len(), Total: len(o.Results), Causes: causes}
}

// PartialFailure is the aggregated fan-out error. Unwrap exposes the
// individual causes to errors.Is/As.
type PartialFailure struct {
	Network string
	Failed  int
	Total   int
	Causes  *multierror.Error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("relay %q: %d of %d destinations failed: %s", e.Network, e.Failed, e.Total, e.Causes.Error())
}

func (e *PartialFailure) Unwrap() error { return e.Causes.ErrorOrNil() }

func (e *PartialFailure) Is(target error) bool { return target == ErrPartialFailure }

func compactErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

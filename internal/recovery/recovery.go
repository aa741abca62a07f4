// Package recovery implements the device reset/recovery state machine
// (component D): a bounded reopen → full-reconnect → give-up sequence that
// wraps bulk transfers, grounded on the recurse-level retry loop threaded
// through copy_from/copy_to/mkdir in the original pymtpfs.mtp binding.
package recovery

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/ioutil"
	"log"
	"os"
	"time"
)

var fEnableDebug = flag.Bool(
	"recovery.debug",
	false,
	"Write device recovery debugging messages to stderr.")

func getLogger() *log.Logger {
	var w io.Writer = ioutil.Discard
	if *fEnableDebug {
		w = os.Stderr
	}
	return log.New(w, "recovery: ", log.LstdFlags)
}

// ErrGaveUp is returned once the state machine has exhausted state 2
// (give up), matching §4.4's "return EINTR".
var ErrGaveUp = errors.New("recovery: device unresponsive after reset and full reconnect, giving up")

// State is the recurse level from §4.4: 0 (fresh), 1 (soft reset), or 2
// (give up). It never exceeds 2, satisfying testable property 6.
type State int

const (
	StateFresh State = iota
	StateSoftReset
	StateGiveUp
)

// Device is the narrow surface the state machine needs from the device
// session: close it, reopen it (optionally forcing a full rescan), and
// probe it for liveness. internal/fs supplies the concrete implementation
// backed by internal/mtp and internal/tree.
type Device interface {
	Close() error
	Reopen(fullRescan bool) error
	Probe() error // get_storage_list; success means the device responded
}

// Run executes op under the recovery state machine. op is retried up to
// twice, with the device cycled between attempts as described in §4.4:
// state 0 closes and reopens without a rescan; state 1 closes and reopens
// with a full rescan; state 2 gives up and returns ErrGaveUp.
//
// Each attempt runs with a deadline of timeout; a timed-out attempt is not
// retried in place (the cancellation semantics explicitly rule that out) —
// the device is always cycled first, because in practice it is the whole
// MTP session that stalls, not just one request.
func Run(ctx context.Context, dev Device, timeout time.Duration, op func(ctx context.Context) error) error {
	log := getLogger()

	for state := StateFresh; ; {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		log.Printf("attempt failed at state %d: %v", state, err)

		if state == StateGiveUp {
			return ErrGaveUp
		}

		fullRescan := state == StateSoftReset
		if closeErr := dev.Close(); closeErr != nil {
			log.Printf("close during recovery failed: %v", closeErr)
		}
		if reopenErr := dev.Reopen(fullRescan); reopenErr != nil {
			log.Printf("reopen during recovery failed: %v", reopenErr)
			return reopenErr
		}
		if probeErr := dev.Probe(); probeErr != nil {
			log.Printf("liveness probe failed after reopen: %v", probeErr)
		}

		state++
	}
}

package engine

import (
	"bytes"
	"time"

	"github.com/openclinic/medisync/internal/schema"
)

// Winner identifies which side of a conflict is kept.
type Winner string

const (
	// WinnerLocal resubmits the local change against the refreshed base
	// version.
	WinnerLocal Winner = "local"
	// WinnerRemote pulls the remote record into the local store and discards
	// the pending local change.
	WinnerRemote Winner = "remote"
)

// Policy decides the winner when a push finds the remote record newer than
// the version the local change was based on. Which policy applies is a
// product decision, so it is swappable per table rather than a hard-coded
// comparison.
//
// A policy must be deterministic: given the same two sides it returns the
// same winner no matter which device runs it, otherwise devices diverge.
type Policy interface {
	// Name identifies the policy in logs and the conflict audit trail.
	Name() string

	// Resolve picks the winner. local is the pending local change; remote is
	// the authoritative record the server returned with the conflict.
	Resolve(local, remote *schema.Record) Winner
}

// LastWriterWins keeps whichever side has the later UpdatedAt wall-clock
// timestamp. Ties break on device ID, then on payload bytes, so both sides
// of a tie pick the same winner.
type LastWriterWins struct{}

// Name implements Policy.
func (LastWriterWins) Name() string { return "last-writer-wins" }

// Resolve implements Policy.
func (LastWriterWins) Resolve(local, remote *schema.Record) Winner {
	lt, rt := local.UpdatedAt.Truncate(time.Microsecond), remote.UpdatedAt.Truncate(time.Microsecond)
	if lt.After(rt) {
		return WinnerLocal
	}
	if rt.After(lt) {
		return WinnerRemote
	}
	// Equal timestamps: deterministic tiebreak.
	if local.DeviceID != remote.DeviceID {
		if local.DeviceID > remote.DeviceID {
			return WinnerLocal
		}
		return WinnerRemote
	}
	if bytes.Compare(local.Payload, remote.Payload) > 0 {
		return WinnerLocal
	}
	return WinnerRemote
}

// KeepRemote always keeps the remote record and rejects the pending local
// change, surfacing it through the notifier and the conflict log instead of
// overwriting. Intended for tables where blind overwrite is unacceptable,
// such as billing.
type KeepRemote struct{}

// Name implements Policy.
func (KeepRemote) Name() string { return "keep-remote" }

// Resolve implements Policy.
func (KeepRemote) Resolve(local, remote *schema.Record) Winner {
	return WinnerRemote
}

// PolicyByName returns the named policy, or nil if unknown.
func PolicyByName(name string) Policy {
	switch name {
	case "last-writer-wins":
		return LastWriterWins{}
	case "keep-remote":
		return KeepRemote{}
	default:
		return nil
	}
}

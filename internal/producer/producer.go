// Package producer implements the append idempotency state machine:
// given a producer's declared (epoch, seq) pair and its last known
// state, decide whether to accept, replay, fence, or reject the append.
//
// Grounded on the teacher's store/memory_store.go validateProducer,
// generalized from an in-memory map guarded by a per-producer mutex to
// a pure decision function over hotstore.ProducerRow — the sequencer's
// single-writer-per-stream goroutine is what now serializes access
// instead of a mutex, so this package holds no state of its own.
package producer

import (
	"errors"
	"time"

	"github.com/durablelog/durablelog/internal/hotstore"
)

// Expiry is how long a producer's idempotency state is honored without
// a new append. Past this, Evaluate treats the producer as absent rather
// than validating the epoch/seq against stale state. Lazy: nothing
// proactively deletes the row before this check runs.
const Expiry = 7 * 24 * time.Hour

var (
	// ErrStaleEpoch is returned when the declared epoch is older than
	// the producer's recorded epoch — a zombie producer writing after a
	// newer incarnation has taken over.
	ErrStaleEpoch = errors.New("producer: stale epoch")
	// ErrInvalidEpochSeq is returned when a producer declares a new
	// epoch but doesn't start that epoch at seq 0.
	ErrInvalidEpochSeq = errors.New("producer: new epoch must start at seq 0")
	// ErrSeqGap is returned when the declared seq skips ahead of the
	// expected next sequence number.
	ErrSeqGap = errors.New("producer: sequence gap")
)

// Result classifies the outcome of Evaluate.
type Result int

const (
	// ResultAccepted: this is a genuinely new append; the caller should
	// commit it and persist NewState.
	ResultAccepted Result = iota
	// ResultDuplicate: this exact (epoch, seq) was already committed;
	// the caller must return the original result without appending
	// again.
	ResultDuplicate
)

// Decision is the outcome of evaluating one append attempt against a
// producer's current state.
type Decision struct {
	Result Result
	// NewState is the row to persist via hotstore.UpsertProducer when
	// Result is ResultAccepted. Nil otherwise.
	NewState *hotstore.ProducerRow
	// LastSeq is the producer's last committed sequence, valid for both
	// ResultAccepted and ResultDuplicate.
	LastSeq int64
	// LastOffset is the offset originally assigned to the producer's last
	// committed append, valid only on ResultDuplicate. The caller must
	// return this — not the stream's current tail — to satisfy spec.md
	// §4.3's "a duplicate append returns the original committed offset"
	// invariant.
	LastOffset uint64
	// ExpectedSeq/ReceivedSeq/CurrentEpoch populate the error responses
	// for ErrSeqGap and ErrStaleEpoch.
	ExpectedSeq  int64
	ReceivedSeq  int64
	CurrentEpoch int64
}

// Evaluate decides what to do with an append declaring (epoch, seq),
// given that producer's current state (nil if it has never appended).
// The caller is responsible for setting ProducerID on Decision.NewState
// before persisting it — Evaluate doesn't need the id to decide. now is
// injected for testability.
func Evaluate(state *hotstore.ProducerRow, epoch, seq int64, now time.Time) (Decision, error) {
	if state == nil {
		if seq != 0 {
			return Decision{Result: ResultAccepted, ExpectedSeq: 0, ReceivedSeq: seq}, ErrSeqGap
		}
		return Decision{
			Result:   ResultAccepted,
			NewState: &hotstore.ProducerRow{Epoch: epoch, LastSeq: 0, LastUpdated: now.Unix()},
			LastSeq:  0,
		}, nil
	}

	if expired(state, now) {
		return Evaluate(nil, epoch, seq, now)
	}

	if epoch < state.Epoch {
		return Decision{Result: ResultAccepted, CurrentEpoch: state.Epoch}, ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if seq != 0 {
			return Decision{Result: ResultAccepted}, ErrInvalidEpochSeq
		}
		return Decision{
			Result:   ResultAccepted,
			NewState: &hotstore.ProducerRow{Epoch: epoch, LastSeq: 0, LastUpdated: now.Unix()},
			LastSeq:  0,
		}, nil
	}

	// Same epoch: sequence validation.
	if seq <= state.LastSeq {
		return Decision{Result: ResultDuplicate, LastSeq: state.LastSeq, LastOffset: state.LastOffset}, nil
	}

	if seq == state.LastSeq+1 {
		return Decision{
			Result:   ResultAccepted,
			NewState: &hotstore.ProducerRow{Epoch: epoch, LastSeq: seq, LastUpdated: now.Unix()},
			LastSeq:  seq,
		}, nil
	}

	return Decision{
		Result:      ResultAccepted,
		ExpectedSeq: state.LastSeq + 1,
		ReceivedSeq: seq,
	}, ErrSeqGap
}

func expired(state *hotstore.ProducerRow, now time.Time) bool {
	last := time.Unix(state.LastUpdated, 0)
	return now.Sub(last) > Expiry
}

package core

import (
	"fmt"
)

// SequenceValidator validates sequences per partition. The venue uses it to
// reject gaps while replaying the event log; the price subscriber uses the
// tolerant variant for oracle feeds.
// Not thread-safe: callers serialize access.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	gaps            map[string]int64 // partition -> gap count
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
	}
}

// ValidateSequence requires seq to be exactly the next expected value.
func (sv *SequenceValidator) ValidateSequence(partition string, seq int64) error {
	expected := sv.expectedNextSeq[partition]

	if seq < expected {
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d", partition, expected, seq)
	}
	if seq > expected {
		sv.gaps[partition]++
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d", partition, expected, seq)
	}

	sv.expectedNextSeq[partition] = expected + 1
	return nil
}

// ValidatePriceSequence accepts gaps but reports whether seq is newer than
// anything seen and whether a gap was skipped.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, seq int64) (fresh bool, gap bool) {
	partition := "price:" + asset
	expected, seen := sv.expectedNextSeq[partition]

	if seen && seq < expected {
		return false, false
	}
	gap = seen && seq > expected
	if gap {
		sv.gaps[partition]++
	}
	sv.expectedNextSeq[partition] = seq + 1
	return true, gap
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Gaps returns the number of gaps seen on a partition.
func (sv *SequenceValidator) Gaps(partition string) int64 {
	return sv.gaps[partition]
}

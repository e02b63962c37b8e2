// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracebuf

import "fmt"

// Control-block array indices, matching CTRL_* in netcost.bpf.c.
const (
	ctrlActiveOffset uint32 = 0
	ctrlCountSlot0   uint32 = 1
	ctrlCountSlot1   uint32 = 2
)

// bpfMap is the subset of *github.com/cilium/ebpf.Map's API the reader
// needs. Satisfied by *ebpf.Map in production; faked in tests so the
// swap-and-drain discipline can be verified without a running kernel.
type bpfMap interface {
	Lookup(key, valueOut any) error
	Put(key, value any) error
}

// Reader implements the single-reader half of the Dekker-style
// swap-and-drain protocol (§4.5, §5): it is the only party permitted to
// write active_slot_offset, and it must observe a slot's record counter
// only after that write is visible, so a kernel writer still racing
// against the old offset can never land in a slot the reader is draining.
type Reader struct {
	control      bpfMap
	buffer       bpfMap
	slotCapacity uint32
}

// NewReader builds a Reader over the trace_control and trace_buffer maps
// loaded by internal/kernelprobe. slotCapacity is N, the record capacity of
// a single half (see SlotCapacity).
func NewReader(control, buffer bpfMap, slotCapacity int) *Reader {
	return &Reader{control: control, buffer: buffer, slotCapacity: uint32(slotCapacity)}
}

func countKeyForOffset(offset uint32, slotCapacity uint32) uint32 {
	if offset == 0 {
		return ctrlCountSlot0
	}
	_ = slotCapacity
	return ctrlCountSlot1
}

// SwapAndCount atomically retires the currently active slot: it reads the
// active offset, publishes the other half as active, then reads the count
// of the half it just retired. Ordering is load-bearing — publishing the
// new offset before reading the old count is what guarantees no further
// kernel writer can increment that counter again.
func (r *Reader) SwapAndCount() (retiredOffset uint32, count uint32, err error) {
	var active uint32
	if err := r.control.Lookup(ctrlActiveOffset, &active); err != nil {
		return 0, 0, fmt.Errorf("reading active_slot_offset: %w", err)
	}

	other := r.slotCapacity
	if active == r.slotCapacity {
		other = 0
	}
	if err := r.control.Put(ctrlActiveOffset, other); err != nil {
		return 0, 0, fmt.Errorf("publishing active_slot_offset: %w", err)
	}

	var retiredCount uint32
	countKey := countKeyForOffset(active, r.slotCapacity)
	if err := r.control.Lookup(countKey, &retiredCount); err != nil {
		return 0, 0, fmt.Errorf("reading retired slot count: %w", err)
	}
	if retiredCount > r.slotCapacity {
		retiredCount = r.slotCapacity // defensive clamp against a racing overflow increment
	}

	return active, retiredCount, nil
}

// Drain reads the first count records of the slot half starting at offset
// and decodes them. Called after SwapAndCount, before ResetCount.
func (r *Reader) Drain(offset, count uint32) ([]Record, error) {
	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var words [RecordWords]uint64
		if err := r.buffer.Lookup(offset+i, &words); err != nil {
			return nil, fmt.Errorf("reading trace record %d: %w", offset+i, err)
		}
		records = append(records, DecodeRecord(words))
	}
	return records, nil
}

// ResetCount zeroes the counter belonging to the slot half at offset, once
// its records have been drained, so the next swap to that half starts a
// kernel writer's fetch-and-increment back at zero.
func (r *Reader) ResetCount(offset uint32) error {
	countKey := countKeyForOffset(offset, r.slotCapacity)
	if err := r.control.Put(countKey, uint32(0)); err != nil {
		return fmt.Errorf("resetting slot counter: %w", err)
	}
	return nil
}

// SwapDrainReset performs one full tick's transport step: swap, drain, then
// reset the retired slot's counter. This is the order §4.3 step 5 and §5's
// ordering guarantee require.
func (r *Reader) SwapDrainReset() ([]Record, error) {
	offset, count, err := r.SwapAndCount()
	if err != nil {
		return nil, err
	}
	records, err := r.Drain(offset, count)
	if err != nil {
		return nil, err
	}
	if err := r.ResetCount(offset); err != nil {
		return nil, err
	}
	return records, nil
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tracebuf_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/netcost/netcostd/internal/tracebuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMap is an in-memory stand-in for an *ebpf.Map, keyed by uint32,
// sufficient to exercise the swap-and-drain discipline without a kernel.
type fakeMap struct {
	values map[uint32]any
}

func newFakeMap() *fakeMap {
	return &fakeMap{values: make(map[uint32]any)}
}

func (m *fakeMap) Lookup(key, valueOut any) error {
	k, ok := toUint32(key)
	if !ok {
		return fmt.Errorf("unsupported key type %T", key)
	}
	v, ok := m.values[k]
	if !ok {
		return fmt.Errorf("key %d not found", k)
	}
	switch out := valueOut.(type) {
	case *uint32:
		*out = v.(uint32)
	case *[tracebuf.RecordWords]uint64:
		*out = v.([tracebuf.RecordWords]uint64)
	default:
		return fmt.Errorf("unsupported value type %T", valueOut)
	}
	return nil
}

func (m *fakeMap) Put(key, value any) error {
	k, ok := toUint32(key)
	if !ok {
		return fmt.Errorf("unsupported key type %T", key)
	}
	m.values[k] = value
	return nil
}

func toUint32(v any) (uint32, bool) {
	switch k := v.(type) {
	case uint32:
		return k, true
	case int:
		return uint32(k), true
	default:
		return 0, false
	}
}

// simulateKernelWrite mimics perf_sample_stack: fetch-and-increment the
// active slot's counter, then write the record at active+n, bailing if the
// slot is already full.
func simulateKernelWrite(t *testing.T, control, buffer *fakeMap, slotCapacity uint32, r tracebuf.Record) {
	t.Helper()
	var active uint32
	require.NoError(t, control.Lookup(uint32(0), &active))

	countKey := uint32(1)
	if active != 0 {
		countKey = uint32(2)
	}
	var count uint32
	_ = control.Lookup(countKey, &count)
	if count >= slotCapacity {
		return // drop-on-overflow
	}
	require.NoError(t, control.Put(countKey, count+1))
	require.NoError(t, buffer.Put(active+count, tracebuf.EncodeRecord(r)))
}

func newControlBuffer() (*fakeMap, *fakeMap) {
	control := newFakeMap()
	control.values[uint32(0)] = uint32(0)
	control.values[uint32(1)] = uint32(0)
	control.values[uint32(2)] = uint32(0)
	return control, newFakeMap()
}

func TestSwapAndCount_RetiresTheActiveHalf(t *testing.T) {
	const slotCapacity = 4
	control, buffer := newControlBuffer()

	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{0x1000}})
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 1, Frames: []uint64{0x2000}})

	r := tracebuf.NewReader(control, buffer, slotCapacity)
	offset, count, err := r.SwapAndCount()
	require.NoError(t, err)
	assert.EqualValues(t, 0, offset)
	assert.EqualValues(t, 2, count)

	var newActive uint32
	require.NoError(t, control.Lookup(uint32(0), &newActive))
	assert.EqualValues(t, slotCapacity, newActive)
}

func TestDrain_DecodesRecordsInOrder(t *testing.T) {
	const slotCapacity = 4
	control, buffer := newControlBuffer()

	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 3, Frames: []uint64{0xaaaa, 0xbbbb}})
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 5, Frames: []uint64{0xcccc}})

	r := tracebuf.NewReader(control, buffer, slotCapacity)
	offset, count, err := r.SwapAndCount()
	require.NoError(t, err)

	records, err := r.Drain(offset, count)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint32(3), records[0].CPU)
	assert.Equal(t, []uint64{0xaaaa, 0xbbbb}, records[0].Frames)
	assert.Equal(t, uint32(5), records[1].CPU)
	assert.Equal(t, []uint64{0xcccc}, records[1].Frames)
}

func TestResetCount_ZeroesRetiredHalf(t *testing.T) {
	const slotCapacity = 4
	control, buffer := newControlBuffer()
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{1}})

	r := tracebuf.NewReader(control, buffer, slotCapacity)
	offset, _, err := r.SwapAndCount()
	require.NoError(t, err)
	require.NoError(t, r.ResetCount(offset))

	var resetCount uint32
	require.NoError(t, control.Lookup(uint32(1), &resetCount))
	assert.EqualValues(t, 0, resetCount)
}

func TestSwapDrainReset_LeavesRetiredCounterZeroAfterTick(t *testing.T) {
	const slotCapacity = 4
	control, buffer := newControlBuffer()
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{0x42}})
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 1, Frames: []uint64{0x43}})

	r := tracebuf.NewReader(control, buffer, slotCapacity)
	records, err := r.SwapDrainReset()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	var count0 uint32
	require.NoError(t, control.Lookup(uint32(1), &count0))
	assert.EqualValues(t, 0, count0)
}

func TestSwapAndCount_AlternatesHalvesAcrossTicks(t *testing.T) {
	const slotCapacity = 4
	control, buffer := newControlBuffer()
	r := tracebuf.NewReader(control, buffer, slotCapacity)

	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{1}})
	offset1, count1, err := r.SwapAndCount()
	require.NoError(t, err)
	require.NoError(t, r.ResetCount(offset1))
	assert.EqualValues(t, 0, offset1)
	assert.EqualValues(t, 1, count1)

	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{2}})
	simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{3}})
	offset2, count2, err := r.SwapAndCount()
	require.NoError(t, err)
	assert.EqualValues(t, slotCapacity, offset2)
	assert.EqualValues(t, 2, count2)
}

func TestOverflow_DropsSilentlyAtSlotCapacity(t *testing.T) {
	const slotCapacity = 2
	control, buffer := newControlBuffer()

	for i := 0; i < 5; i++ {
		simulateKernelWrite(t, control, buffer, slotCapacity, tracebuf.Record{CPU: 0, Frames: []uint64{uint64(i + 1)}})
	}

	r := tracebuf.NewReader(control, buffer, slotCapacity)
	_, count, err := r.SwapAndCount()
	require.NoError(t, err)
	assert.EqualValues(t, slotCapacity, count)
}

func TestSlotCapacity_AppliesTenPercentHeadroomAndDoubles(t *testing.T) {
	n := tracebuf.SlotCapacity(1000, 8, 500*time.Millisecond)
	// ceil(1000 * 8 * 0.5 * 1.1) * 2 = ceil(4400) * 2 = 8800
	assert.Equal(t, 8800, n)
}

func TestSlotCapacity_RoundsUpFractionalExpectedSamples(t *testing.T) {
	n := tracebuf.SlotCapacity(333, 3, 500*time.Millisecond)
	// ceil(333 * 3 * 0.5 * 1.1) * 2 = ceil(549.45) * 2 = 550 * 2 = 1100
	assert.Equal(t, 1100, n)
}

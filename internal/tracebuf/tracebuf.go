// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tracebuf implements the double-buffered trace-slot transport: the
// fixed-size record format written by the kernel probe, the slot-sizing
// arithmetic, and the Dekker-style swap-and-drain discipline a single
// reader uses to consume a just-retired half without ever colliding with
// a kernel writer still filling the other half.
package tracebuf

import (
	"math"
	"time"
)

// RecordWords is the fixed size of one trace-trace slot, in 64-bit words:
// one packed header word plus up to 127 instruction pointers.
const RecordWords = 128

// MaxFrames is the number of kernel instruction pointers a single record
// can carry.
const MaxFrames = RecordWords - 1

// headerLengthShift is where the byte-length of the captured stack begins
// within the packed header word; the low 32 bits hold the capturing CPU id.
const headerLengthShift = 35

// Record is a decoded trace-trace slot: the CPU that captured it and its
// instruction pointers, innermost frame first.
type Record struct {
	CPU    uint32
	Frames []uint64
}

// DecodeHeader unpacks word 0 of a slot into the capturing CPU id and the
// captured stack's length in bytes.
func DecodeHeader(word0 uint64) (cpu uint32, lengthBytes uint32) {
	cpu = uint32(word0)
	lengthBytes = uint32(word0 >> headerLengthShift)
	return cpu, lengthBytes
}

// EncodeHeader packs a CPU id and byte-length into a slot's header word.
func EncodeHeader(cpu uint32, lengthBytes uint32) uint64 {
	return uint64(cpu) | uint64(lengthBytes)<<headerLengthShift
}

// DecodeRecord turns one raw 128-word slot into a Record. Frames stops at
// the first zero word or at the header's declared length, whichever comes
// first — a short capture zero-pads the remainder of the slot.
func DecodeRecord(words [RecordWords]uint64) Record {
	cpu, lengthBytes := DecodeHeader(words[0])
	nFrames := int(lengthBytes / 8)
	if nFrames > MaxFrames {
		nFrames = MaxFrames
	}

	frames := make([]uint64, 0, nFrames)
	for i := 0; i < nFrames; i++ {
		ip := words[i+1]
		if ip == 0 {
			break
		}
		frames = append(frames, ip)
	}

	return Record{CPU: cpu, Frames: frames}
}

// EncodeRecord packs a Record back into slot words, for tests and for the
// Go-side write path exercised by fixtures. Frames beyond MaxFrames are
// truncated.
func EncodeRecord(r Record) [RecordWords]uint64 {
	var words [RecordWords]uint64
	frames := r.Frames
	if len(frames) > MaxFrames {
		frames = frames[:MaxFrames]
	}
	for i, ip := range frames {
		words[i+1] = ip
	}
	words[0] = EncodeHeader(r.CPU, uint32(len(frames)*8))
	return words
}

// SlotCapacity computes N, the number of records each trace-buffer half
// can hold, per §4.3's sizing rule: N = ceil(freq × Ncpus × P × 1.1) × 2,
// giving one tick ≥ 10% headroom over the expected sample count between
// swaps.
func SlotCapacity(sampleFreqHz float64, numCPUs int, tickPeriod time.Duration) int {
	periodSeconds := tickPeriod.Seconds()
	expected := sampleFreqHz * float64(numCPUs) * periodSeconds * 1.1
	return int(math.Ceil(expected)) * 2
}

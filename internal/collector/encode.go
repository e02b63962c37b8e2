// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encode serializes a Snapshot into the compact self-describing binary
// format used for both the HTTP stream and file logging
// (spec.md §4.4/§6). CBOR is self-describing, so Decode needs no schema
// version negotiation with older log files.
func Encode(snap Snapshot) ([]byte, error) {
	b, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return b, nil
}

// Decode parses a snapshot previously produced by Encode. Used by the
// Prometheus sink and by tests asserting round-trip identity.
func Decode(b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

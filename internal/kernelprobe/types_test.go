// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernelprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{SockSendmsg, "SOCK_SENDMSG"},
		{SockRecvmsg, "SOCK_RECVMSG"},
		{NetTxSoftirq, "NET_TX_SOFTIRQ"},
		{NetRxSoftirq, "NET_RX_SOFTIRQ"},
		{IOWorker, "IO_WORKER"},
		{Event(99), "UNKNOWN_EVENT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}

func TestEventIndicesAreStableAndOrdered(t *testing.T) {
	assert.EqualValues(t, 0, SockSendmsg)
	assert.EqualValues(t, 1, SockRecvmsg)
	assert.EqualValues(t, 2, NetTxSoftirq)
	assert.EqualValues(t, 3, NetRxSoftirq)
	assert.EqualValues(t, 4, IOWorker)
	assert.Equal(t, 5, NumEvents)
}

func TestProgramNamesMatchBPFSource(t *testing.T) {
	assert.Equal(t, "kprobe_sock_sendmsg_entry", kprobeProgName(SockSendmsg))
	assert.Equal(t, "kretprobe_sock_sendmsg_exit", kretprobeProgName(SockSendmsg))
	assert.Equal(t, "kprobe_io_worker_entry", kprobeProgName(IOWorker))
	assert.Equal(t, "kretprobe_io_worker_exit", kretprobeProgName(IOWorker))
}

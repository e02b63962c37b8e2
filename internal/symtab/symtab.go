// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symtab loads /proc/kallsyms into an address-range classifier table
// and walks sampled kernel stacks against it, turning raw instruction
// pointers into the semantic Counts the analyzer publishes.
package symtab

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Counts is a fixed-shape record of 16-bit presence/frequency counters, one
// field per recognizable semantic event in a trace. Per-trace each field is
// at most 1; accumulated per-CPU across a tick's worth of traces, a field
// saturates at math.MaxUint16 rather than wrapping.
type Counts struct {
	NetRxAction            uint16
	NapiPoll               uint16
	NetifReceiveSkb        uint16
	BrHandleFrame          uint16
	NetifReceiveSkbSubBr   uint16
	DoXdpGeneric           uint16
	TcfClassify            uint16
	IPForward              uint16
	IP6Forward             uint16
	IPLocalDeliver         uint16
	IP6Input               uint16
	NfNetdevIngress        uint16
	NfPreroutingV4         uint16
	NfPreroutingV6         uint16
	NapiGroReceiveOverhead uint16
	NfConntrackIn          uint16
}

// Add returns the saturating sum of c and other, field by field.
func (c Counts) Add(other Counts) Counts {
	return Counts{
		NetRxAction:            satAdd(c.NetRxAction, other.NetRxAction),
		NapiPoll:               satAdd(c.NapiPoll, other.NapiPoll),
		NetifReceiveSkb:        satAdd(c.NetifReceiveSkb, other.NetifReceiveSkb),
		BrHandleFrame:          satAdd(c.BrHandleFrame, other.BrHandleFrame),
		NetifReceiveSkbSubBr:   satAdd(c.NetifReceiveSkbSubBr, other.NetifReceiveSkbSubBr),
		DoXdpGeneric:           satAdd(c.DoXdpGeneric, other.DoXdpGeneric),
		TcfClassify:            satAdd(c.TcfClassify, other.TcfClassify),
		IPForward:              satAdd(c.IPForward, other.IPForward),
		IP6Forward:             satAdd(c.IP6Forward, other.IP6Forward),
		IPLocalDeliver:         satAdd(c.IPLocalDeliver, other.IPLocalDeliver),
		IP6Input:               satAdd(c.IP6Input, other.IP6Input),
		NfNetdevIngress:        satAdd(c.NfNetdevIngress, other.NfNetdevIngress),
		NfPreroutingV4:         satAdd(c.NfPreroutingV4, other.NfPreroutingV4),
		NfPreroutingV6:         satAdd(c.NfPreroutingV6, other.NfPreroutingV6),
		NapiGroReceiveOverhead: satAdd(c.NapiGroReceiveOverhead, other.NapiGroReceiveOverhead),
		NfConntrackIn:          satAdd(c.NfConntrackIn, other.NfConntrackIn),
	}
}

func satAdd(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(sum)
}

// PerFrameProps holds the two scratch flags the classifier grammar buffers
// across frames within a single trace. It must be zeroed between traces.
type PerFrameProps struct {
	InNFHook    bool
	IPRcvFinish bool
}

// action identifies which classifier variant an address range resolves to.
// Replaces per-symbol dynamic dispatch with a fixed, indexable enum.
type action int

const (
	actionNone action = iota
	actionNetRxAction
	actionNapiPoll
	actionNetifReceiveSkb
	actionNapiGroReceive
	actionDoXdpGeneric
	actionTcfClassify
	actionBrHandleFrame
	actionIPForward
	actionIP6Forward
	actionIPLocalDeliver
	actionIP6Input
	actionNfHookSlow
	actionIPRcv
	actionIP6Rcv
	actionIPRcvFinish
	actionIP6RcvFinish
	actionNfConntrackIn
)

// whitelist maps the exact symbol names the classifier recognizes to their
// action. Multiple names can share an action (netif_receive_skb has several
// inlined/split variants across kernel versions).
var whitelist = map[string]action{
	"net_rx_action":                   actionNetRxAction,
	"__napi_poll":                     actionNapiPoll,
	"netif_receive_skb":               actionNetifReceiveSkb,
	"__netif_receive_skb":             actionNetifReceiveSkb,
	"netif_receive_skb_core":          actionNetifReceiveSkb,
	"netif_receive_skb_list_internal": actionNetifReceiveSkb,
	"napi_gro_receive":                actionNapiGroReceive,
	"do_xdp_generic":                  actionDoXdpGeneric,
	"tcf_classify":                    actionTcfClassify,
	"br_handle_frame":                 actionBrHandleFrame,
	"ip_forward":                      actionIPForward,
	"ip6_forward":                     actionIP6Forward,
	"ip_local_deliver":                actionIPLocalDeliver,
	"ip6_input":                       actionIP6Input,
	"nf_hook_slow":                    actionNfHookSlow,
	"ip_rcv":                          actionIPRcv,
	"ip6_rcv":                         actionIP6Rcv,
	"ip_rcv_finish":                   actionIPRcvFinish,
	"ip6_rcv_finish":                  actionIP6RcvFinish,
	"nf_conntrack_in":                 actionNfConntrackIn,
}

type entry struct {
	start  uint64
	end    uint64
	action action
}

// Table is the loaded, range-indexed classifier. Entries are sorted by
// start address so lookup is a binary search.
type Table struct {
	entries []entry
	// Installed reports, per whitelisted symbol name, whether it was found
	// in the source kallsyms and a classifier range installed for it.
	Installed map[string]bool
}

// Load parses /proc/kallsyms (or a file in the same format, for tests) into a
// Table. Symbols are assumed contiguous: a whitelisted symbol's range runs
// from its own address to the address of the next known symbol, whichever
// name that is. A whitelisted name absent from the source simply has no
// range installed; counters it would have driven stay zero (§4.2).
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return parse(f)
}

type rawSym struct {
	addr uint64
	name string
}

func parse(r io.Reader) (*Table, error) {
	var syms []rawSym
	found := make(map[string]uint64)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing kallsyms address %q: %w", fields[0], err)
		}
		name := fields[2]
		syms = append(syms, rawSym{addr: addr, name: name})
		if _, ok := whitelist[name]; ok {
			// Later occurrences win, matching how the kernel's own symbol
			// table can list a name more than once (static duplicates);
			// the last entry observed is kept.
			found[name] = addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kallsyms: %w", err)
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })
	addrs := make([]uint64, len(syms))
	for i, s := range syms {
		addrs[i] = s.addr
	}

	installed := make(map[string]bool, len(whitelist))
	for name := range whitelist {
		installed[name] = false
	}

	var entries []entry
	for name, addr := range found {
		act := whitelist[name]
		end := rangeEnd(addrs, addr)
		entries = append(entries, entry{start: addr, end: end, action: act})
		installed[name] = true
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	return &Table{entries: entries, Installed: installed}, nil
}

// rangeEnd finds the smallest address in the sorted addrs strictly greater
// than start; if none exists (start is the last known symbol), the range is
// unbounded (math.MaxUint64).
func rangeEnd(addrs []uint64, start uint64) uint64 {
	i := sort.Search(len(addrs), func(i int) bool { return addrs[i] > start })
	if i == len(addrs) {
		return math.MaxUint64
	}
	return addrs[i]
}

// lookup returns the classifier action installed for ip, if any.
func (t *Table) lookup(ip uint64) (action, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].start > ip })
	if i == 0 {
		return actionNone, false
	}
	e := t.entries[i-1]
	if ip >= e.start && ip < e.end {
		return e.action, true
	}
	return actionNone, false
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// Classify walks one sampled stack, innermost frame first, and returns the
// per-trace Counts. ips is zero-terminated if shorter than its capacity; a
// zero frame ends the walk. The grammar only makes sense walked in this
// order: in_nf_hook buffers a netfilter-hook observation until the
// immediately outer frame identifies which hook point it was.
func (t *Table) Classify(ips []uint64) Counts {
	var c Counts
	var props PerFrameProps

	for _, ip := range ips {
		if ip == 0 {
			break
		}
		act, ok := t.lookup(ip)
		if !ok {
			continue
		}

		switch act {
		case actionNetRxAction:
			c.NetRxAction = 1

		case actionNapiPoll:
			c.NapiPoll = 1

		case actionNetifReceiveSkb:
			if props.InNFHook {
				c.NfNetdevIngress = maxU16(c.NfNetdevIngress, 1)
				props.InNFHook = false
			}
			c.NetifReceiveSkb = 1

		case actionNapiGroReceive:
			if props.InNFHook {
				c.NfNetdevIngress = maxU16(c.NfNetdevIngress, 1)
				props.InNFHook = false
			}
			if c.NetifReceiveSkb == 0 {
				c.NapiGroReceiveOverhead = 1
			}
			c.NetifReceiveSkb = 1

		case actionDoXdpGeneric:
			c.DoXdpGeneric = 1

		case actionTcfClassify:
			c.TcfClassify = 1

		case actionBrHandleFrame:
			props.InNFHook = false
			c.NetifReceiveSkbSubBr = c.NetifReceiveSkb
			c.NetifReceiveSkb = 0
			c.BrHandleFrame = 1

		case actionIPForward:
			props.InNFHook = false
			c.IPForward = 1

		case actionIP6Forward:
			props.InNFHook = false
			c.IP6Forward = 1

		case actionIPLocalDeliver:
			props.InNFHook = false
			c.IPLocalDeliver = 1

		case actionIP6Input:
			props.InNFHook = false
			c.IP6Input = 1

		case actionNfHookSlow:
			props.InNFHook = true

		case actionIPRcv:
			if !props.IPRcvFinish && props.InNFHook {
				c.NfPreroutingV4 = maxU16(c.NfPreroutingV4, 1)
			}
			props.InNFHook = false

		case actionIP6Rcv:
			if !props.IPRcvFinish && props.InNFHook {
				c.NfPreroutingV6 = maxU16(c.NfPreroutingV6, 1)
			}
			props.InNFHook = false

		case actionIPRcvFinish, actionIP6RcvFinish:
			props.IPRcvFinish = true

		case actionNfConntrackIn:
			c.NfConntrackIn = 1
		}
	}

	return c
}

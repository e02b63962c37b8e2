// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"encoding/binary"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/netcost/netcostd/internal/collector"
)

const indexPage = `<!doctype html>
<html><head><title>netcostd</title></head>
<body>
<h1>netcostd</h1>
<p>Connect to <code>/stream</code> for a length-prefixed CBOR snapshot feed, one record per analyzer tick.</p>
</body></html>
`

// streamServer serves the default (non-Prometheus) HTTP surface: a status
// page and a chunked streaming endpoint that pushes one length-prefixed
// CBOR snapshot per tick, mirroring the original WebSocket push model
// without depending on a websocket library absent from the retrieval pack.
type streamServer struct {
	logger logr.Logger
	coll   *collector.Collector
}

func newStreamServer(logger logr.Logger, coll *collector.Collector) *streamServer {
	return &streamServer{logger: logger.WithName("httpserver"), coll: coll}
}

func (s *streamServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
}

func (s *streamServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexPage))
}

// handleStream replays the bounded snapshot history, then streams every
// newly published snapshot until the client disconnects. Each record is a
// u32 little-endian length followed by that many bytes of CBOR.
func (s *streamServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	s.coll.Subscribe(ch)
	defer s.coll.Unsubscribe(ch)

	for _, snap := range s.coll.History() {
		if !writeRecord(w, snap) {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if !writeRecord(w, snap) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeRecord(w http.ResponseWriter, payload []byte) bool {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return false
	}
	_, err := w.Write(payload)
	return err == nil
}

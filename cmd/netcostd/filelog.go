// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"github.com/netcost/netcostd/internal/collector"
)

// fileLogger implements spec.md §6's binary log format: an 8-byte
// user_period_ms little-endian header, followed by repeated
// {u32 length_LE, length bytes of CBOR snapshot} records. --log-file
// disables the HTTP surface entirely in favor of this sink.
type fileLogger struct {
	logger       logr.Logger
	f            *os.File
	w            *bufio.Writer
	userPeriodMS uint64
}

func newFileLogger(logger logr.Logger, path string, userPeriodMS uint64) (*fileLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file %s: %w", path, err)
	}

	fl := &fileLogger{logger: logger.WithName("filelogger"), f: f, w: bufio.NewWriter(f), userPeriodMS: userPeriodMS}
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], userPeriodMS)
	if _, err := fl.w.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing log header: %w", err)
	}
	return fl, nil
}

// run subscribes to coll and appends every published snapshot until ctx is
// cancelled, then flushes and closes the file.
func (fl *fileLogger) run(ctx context.Context, coll *collector.Collector) error {
	defer fl.f.Close()

	ch := make(chan []byte, 64)
	coll.Subscribe(ch)
	defer coll.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return fl.w.Flush()
		case snap, ok := <-ch:
			if !ok {
				return fl.w.Flush()
			}
			if err := fl.append(snap); err != nil {
				return err
			}
		}
	}
}

func (fl *fileLogger) append(payload []byte) error {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := fl.w.Write(length[:]); err != nil {
		return fmt.Errorf("writing log record length: %w", err)
	}
	if _, err := fl.w.Write(payload); err != nil {
		return fmt.Errorf("writing log record: %w", err)
	}
	return nil
}

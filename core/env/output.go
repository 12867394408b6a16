// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package env

import (
	"fmt"
	"sync"
	"time"
)

// Log tags attached by Output.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"

	// TagDefault marks output produced by commands.
	TagDefault = "DEFAULT"
)

// LogWriter receives command output. A wire connection is one.
type LogWriter interface {
	Write(tags []string, msg string, ts time.Time)
}

// Output fans command output out to any attached writers.
type Output struct {
	sync.RWMutex
	writers []LogWriter
}

// Attach adds w.
func (o *Output) Attach(w LogWriter) {
	o.Lock()
	defer o.Unlock()
	o.writers = append(o.writers, w)
}

// Detach removes w.
func (o *Output) Detach(w LogWriter) {
	o.Lock()
	defer o.Unlock()
	for i, v := range o.writers {
		if v == w {
			o.writers = append(o.writers[:i], o.writers[i+1:]...)
			return
		}
	}
}

// Write sends msg to every attached writer.
func (o *Output) Write(tags []string, msg string, ts time.Time) {
	o.RLock()
	defer o.RUnlock()
	for _, w := range o.writers {
		w.Write(tags, msg, ts)
	}
}

func (o *Output) logf(level, format string, args ...interface{}) {
	o.Write([]string{level, TagDefault}, fmt.Sprintf(format, args...), time.Now())
}

func (o *Output) Debugf(format string, args ...interface{}) {
	o.logf(LevelDebug, format, args...)
}

func (o *Output) Infof(format string, args ...interface{}) {
	o.logf(LevelInfo, format, args...)
}

func (o *Output) Warningf(format string, args ...interface{}) {
	o.logf(LevelWarning, format, args...)
}

func (o *Output) Errorf(format string, args ...interface{}) {
	o.logf(LevelError, format, args...)
}

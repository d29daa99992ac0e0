/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log is the kernel subsystems' structured logger. Records are
// emitted as RFC 5424 syslog lines with key/value pairs carried in the
// structured data element.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
)

const (
	// structured data element id for KV pairs
	sdID = `serena@1`

	maxAppname  = 48
	maxHostname = 255
)

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("log level is invalid")
)

type Level int

// Logger writes leveled RFC 5424 records to a writer. A nil method
// receiver is not valid; use NewDiscardLogger to silence a subsystem.
type Logger struct {
	mtx      sync.Mutex
	wtr      io.Writer
	lvl      Level
	hostname string
	appname  string
	open     bool
}

// New returns a logger writing to wtr at level INFO. Hostname and
// appname are guessed from the environment.
func New(wtr io.Writer) *Logger {
	l := &Logger{
		wtr:  wtr,
		lvl:  INFO,
		open: true,
	}
	l.hostname, _ = os.Hostname()
	if len(l.hostname) > maxHostname {
		l.hostname = l.hostname[:maxHostname]
	}
	if args := os.Args; len(args) > 0 {
		l.appname = filepath.Base(args[0])
		if len(l.appname) > maxAppname {
			l.appname = l.appname[:maxAppname]
		}
	}
	return l
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{
		wtr:  io.Discard,
		lvl:  OFF,
		open: true,
	}
}

func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.Valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) SetAppname(name string) {
	l.mtx.Lock()
	if l.appname = name; len(l.appname) > maxAppname {
		l.appname = l.appname[:maxAppname]
	}
	l.mtx.Unlock()
}

// KV builds one structured data parameter.
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{
		Name:  name,
		Value: fmt.Sprintf("%v", value),
	}
}

// Debug writes a DEBUG level record; no action is taken if the logger
// level is above DEBUG.
func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.output(DEBUG, msg, sds...)
}

func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.output(INFO, msg, sds...)
}

func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.output(WARN, msg, sds...)
}

func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.output(ERROR, msg, sds...)
}

func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(CRITICAL, msg, sds...)
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.open {
		return ErrNotOpen
	}
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}

	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  l.hostname,
		AppName:   l.appname,
		MessageID: lvl.String(),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         sdID,
			Parameters: sds,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = l.wtr.Write(b)
	return err
}

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	}
	return `UNKNOWN`
}

func (l Level) Valid() bool {
	switch l {
	case OFF, DEBUG, INFO, WARN, ERROR, CRITICAL:
		return true
	}
	return false
}

// LevelFromString resolves a config file level name.
func LevelFromString(s string) (Level, error) {
	switch s {
	case `OFF`, `off`:
		return OFF, nil
	case `DEBUG`, `debug`:
		return DEBUG, nil
	case `INFO`, `info`, ``:
		return INFO, nil
	case `WARN`, `warn`:
		return WARN, nil
	case `ERROR`, `error`:
		return ERROR, nil
	case `CRITICAL`, `critical`:
		return CRITICAL, nil
	}
	return OFF, ErrInvalidLevel
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	}
	return rfc5424.User | rfc5424.Info
}

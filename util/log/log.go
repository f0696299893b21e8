// Copyright 2024 The ChunkFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package log

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

const (
	maxLogFileMB   = 512
	maxLogBackups  = 10
	defaultLogMode = 0o755
)

var levelPrefix = map[Level]string{
	DebugLevel: "[DEBUG]",
	InfoLevel:  "[INFO]",
	WarnLevel:  "[WARN]",
	ErrorLevel: "[ERROR]",
	FatalLevel: "[FATAL]",
}

// Log writes leveled messages into a single rolling file. Rotation is
// delegated to lumberjack; each message is written synchronously.
type Log struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	level  Level
	closed bool
}

var gLog *Log

// InitLog creates the log directory if needed and installs the package-level
// logger used by the LogXxxf helpers.
func InitLog(dir, module string, level Level) (*Log, error) {
	if fi, err := os.Stat(dir); err != nil {
		if err = os.MkdirAll(dir, defaultLogMode); err != nil {
			return nil, err
		}
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	l := &Log{
		out: &lumberjack.Logger{
			Filename:   path.Join(dir, module+".log"),
			MaxSize:    maxLogFileMB,
			MaxBackups: maxLogBackups,
			LocalTime:  true,
		},
		level: level,
	}
	gLog = l
	return l, nil
}

func SetLogLevel(level Level) {
	if gLog == nil {
		return
	}
	gLog.mu.Lock()
	gLog.level = level
	gLog.mu.Unlock()
}

func (l *Log) write(level Level, msg string) {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		file, line = "???", 0
	} else {
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				file = file[i+1:]
				break
			}
		}
	}
	now := time.Now().Format("2006-01-02 15:04:05.000000")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || level < l.level {
		return
	}
	fmt.Fprintf(l.out, "%s %s %s:%s: %s\n", now, levelPrefix[level], file, strconv.Itoa(line), msg)
}

func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.out.Close()
	}
}

func logf(level Level, format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	gLog.write(level, fmt.Sprintf(format, v...))
}

func LogDebugf(format string, v ...interface{}) { logf(DebugLevel, format, v...) }
func LogInfof(format string, v ...interface{})  { logf(InfoLevel, format, v...) }
func LogWarnf(format string, v ...interface{})  { logf(WarnLevel, format, v...) }
func LogErrorf(format string, v ...interface{}) { logf(ErrorLevel, format, v...) }

func LogFatalf(format string, v ...interface{}) {
	logf(FatalLevel, format, v...)
	LogFlush()
	os.Exit(1)
}

// LogFlush exists for callers that flushed the old async writer; writes are
// now synchronous, so there is nothing to drain.
func LogFlush() {}

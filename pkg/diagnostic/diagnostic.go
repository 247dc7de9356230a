// Package diagnostic implements the transient staging area between a request
// flow and the ambient logger. Fields are installed immediately before a log
// action runs and removed immediately after, so that log entries emitted
// inside the action pick them up through the logrus hook without the action
// passing them explicitly.
//
// The store is keyed by goroutine: an installation is visible only to log
// statements issued by the goroutine running the action. Statements issued
// outside any cycle, or by a goroutine running a different flow's cycle,
// read their own view, so interleaved flows never observe each other's
// fields.
package diagnostic

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	storeMu sync.RWMutex
	stores  = map[uint64]map[string]string{}
)

// goroutineID extracts the numeric id from the runtime stack header. The
// header format ("goroutine N [state]:") is stable across Go releases.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

// WithFields installs a copy of fields for the calling goroutine, runs
// action, and removes the installation again. The removal runs on every exit
// path, including a panic inside action. Cycles on different goroutines are
// independent and may run concurrently; neither observes the other's fields.
func WithFields(fields map[string]string, action func()) {
	gid := goroutineID()
	install(gid, fields)
	defer uninstall(gid)

	action()
}

// Fields returns a snapshot of the fields installed by the calling
// goroutine's active cycle. It is empty outside a cycle, and empty for every
// goroutine other than the installing one.
func Fields() map[string]string {
	gid := goroutineID()

	storeMu.RLock()
	defer storeMu.RUnlock()

	fields := stores[gid]
	snapshot := make(map[string]string, len(fields))
	for k, v := range fields {
		snapshot[k] = v
	}
	return snapshot
}

func install(gid uint64, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	storeMu.Lock()
	defer storeMu.Unlock()
	stores[gid] = copied
}

func uninstall(gid uint64) {
	storeMu.Lock()
	defer storeMu.Unlock()
	delete(stores, gid)
}

// Hook is a logrus hook that copies the installed diagnostic fields into
// every log entry. Fields set explicitly on the entry win over store fields
// of the same name.
type Hook struct{}

// Levels reports that the hook fires for all levels.
func (Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire merges the calling goroutine's store snapshot into the entry data.
func (Hook) Fire(entry *logrus.Entry) error {
	for k, v := range Fields() {
		if _, exists := entry.Data[k]; !exists {
			entry.Data[k] = v
		}
	}
	return nil
}

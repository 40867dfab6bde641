package mirror

import (
	"os"
	"time"
)

// Timestamp tracks the pre-download and post-download modification time of
// one tracked file, per spec: {current, downloaded, initially zero}.
type Timestamp struct {
	current    time.Time
	downloaded time.Time
}

// Modified reports whether the two recorded times differ. Before either
// pass has run both are the zero time, so a fresh Timestamp is never
// reported modified.
func (t *Timestamp) Modified() bool {
	return !t.current.Equal(t.downloaded)
}

// RecordCurrent sets current to path's mtime if it exists. It reports
// whether the file existed.
func (t *Timestamp) RecordCurrent(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	t.current = info.ModTime()
	return true
}

// RecordDownloaded sets downloaded to path's mtime if it exists. It reports
// whether the file existed; the caller prunes the entry from its
// collection when it returns false.
func (t *Timestamp) RecordDownloaded(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	t.downloaded = info.ModTime()
	return true
}

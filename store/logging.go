package store

import log "github.com/sirupsen/logrus"

// logDebugf centralizes the debug-level logging the decode/recovery
// paths emit when they swallow a malformed record instead of panicking.
func logDebugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

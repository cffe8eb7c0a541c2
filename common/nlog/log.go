package nlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	log "github.com/sirupsen/logrus"

	"relaylog/util"
)

type LogFormatter struct{}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := time.Now().Local().Format("01-02-15:04:05.000")

	var file string
	var len int
	if entry.Caller != nil {
		file = filepath.Base(entry.Caller.File)
		len = entry.Caller.Line
	}
	msg := fmt.Sprintf("%s [%s:%d][GOID:%d][%s] %s\n", timestamp, file, len, getGID(), strings.ToUpper(entry.Level.String()), entry.Message)
	return []byte(msg), nil
}

func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

func GetLogger() *log.Logger {
	return log.StandardLogger()
}

// openRotatingWriter rolls the store's log file daily and keeps 14
// days of history, pointing a stable "current" symlink at the active
// file the way rotatelogs' own examples do.
func openRotatingWriter() io.Writer {
	logDir := filepath.Join(util.GetWordDir(), "logs")

	writer, err := rotatelogs.New(
		filepath.Join(logDir, "store.%Y%m%d.log"),
		rotatelogs.WithLinkName(filepath.Join(logDir, "store.log")),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(14*24*time.Hour),
	)
	if err != nil {
		log.Warnf("rotatelogs init failed, falling back to stdout only: %s", err.Error())
		return os.Stdout
	}

	return io.MultiWriter(os.Stdout, writer)
}

func init() {
	log.SetFormatter(&LogFormatter{})
	log.SetReportCaller(true)
	log.SetOutput(openRotatingWriter())
	log.SetLevel(log.InfoLevel)

	log.Info("init log")
	log.Debug("debug log")
}

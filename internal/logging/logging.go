// Package logging configures the shared logrus instance: a compact custom
// formatter, optional rotating file output, and gin middleware that funnels
// HTTP request logs through the same pipeline.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
// [2026-08-23 10:02:51] [a1b2c3d4] [info ] [router.go:84] message key=value
// with the request id column collapsing to dashes outside request scope.
type LogFormatter struct{}

// logFieldOrder fixes the display order of common structured fields.
var logFieldOrder = []string{"protocol", "credential", "state", "status", "attempt", "error"}

// Format renders a single log entry.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range logFieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] [%s:%d] %s%s\n",
			timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] %s%s\n", timestamp, reqID, levelStr, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and the gin writers.
// Safe to call multiple times; initialization runs once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Infof(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ConfigureLogOutput switches the global log destination between a rotating
// file under logDir and stdout.
func ConfigureLogOutput(logDir string, toFile bool, debug bool) error {
	SetupBaseLogger()

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	writerMu.Lock()
	defer writerMu.Unlock()

	if !toFile {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	if logWriter != nil {
		_ = logWriter.Close()
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "main.log"),
		MaxSize:    10,
		MaxBackups: 5,
		Compress:   false,
	}
	log.SetOutput(logWriter)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}

package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// LogData is a zerolog-backed Logger. LogFile is set when the builder was given a path.
type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

var _ Logger = (*LogData)(nil)

func NewBuilder() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// WithLevel sets the minimum level; the string forms are zerolog's ("debug", "info", ...).
func (build *LogBuild) WithLevel(level string) *LogBuild {
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		build.level = l
	}
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	writer := build.writer
	if writer == nil {
		writer = os.Stdout
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	return
}

// Close closes the log file, if any.
func (logData *LogData) Close() error {
	if logData.LogFile == nil {
		return nil
	}
	return logData.LogFile.Close()
}

func (logData *LogData) Error(msg string, args ...any) {
	logData.emit(logData.Logger.Error(), msg, args)
}

func (logData *LogData) Warn(msg string, args ...any) {
	logData.emit(logData.Logger.Warn(), msg, args)
}

func (logData *LogData) Info(msg string, args ...any) {
	logData.emit(logData.Logger.Info(), msg, args)
}

func (logData *LogData) Debug(msg string, args ...any) {
	logData.emit(logData.Logger.Debug(), msg, args)
}

func (logData *LogData) emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			event = event.Interface("!BADKEY", args[i])
			break
		}
		if err, ok := args[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

package lib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogDirectory = "logs"
	LogFileName  = "log"
)

/*
	Leveled, colored logging for the node. Output goes to stdout and, when no writer is configured,
	to an auto-rotating file inside the data directory.
*/

func init() {
	color.NoColor = false
}

// LoggerI defines the interface for various logging levels and formatted output
type LoggerI interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Fatal(msg string)
	Print(msg string)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Printf(format string, args ...interface{})
}

const (
	DebugLevel int32 = -4
	InfoLevel  int32 = 0
	WarnLevel  int32 = 4
	ErrorLevel int32 = 8
)

const (
	WHITE = iota
	RED
	GREEN
	YELLOW
	BLUE
	GRAY
)

var _ LoggerI = &Logger{}

// LoggerConfig holds the minimum level and the output writer of a Logger
type LoggerConfig struct {
	Level  int32  `json:"level"`
	Prefix string `json:"prefix"` // optional tag printed before every line, i.e. the node slot
	Out    io.Writer
}

// Logger is the concrete implementation of LoggerI
type Logger struct {
	config LoggerConfig
}

// Debug() logs a message at the Debug level with blue color
func (l *Logger) Debug(msg string) { l.at(DebugLevel, BLUE, "DEBUG: ", msg) }

// Info() logs a message at the Info level with green color
func (l *Logger) Info(msg string) { l.at(InfoLevel, GREEN, "INFO: ", msg) }

// Warn() logs a message at the Warn level with yellow color
func (l *Logger) Warn(msg string) { l.at(WarnLevel, YELLOW, "WARN: ", msg) }

// Error() logs a message at the Error level with red color
func (l *Logger) Error(msg string) { l.at(ErrorLevel, RED, "ERROR: ", msg) }

// Print() logs a message without any level or color
func (l *Logger) Print(msg string) { l.write(msg) }

// Fatal() logs the message and terminates the process
func (l *Logger) Fatal(msg string) {
	l.write(colorString(RED, "FATAL: "+msg))
	os.Exit(1)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.at(DebugLevel, BLUE, "DEBUG: ", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.at(InfoLevel, GREEN, "INFO: ", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.at(WarnLevel, YELLOW, "WARN: ", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.at(ErrorLevel, RED, "ERROR: ", fmt.Sprintf(format, args...))
}

// Fatalf() logs a formatted message and terminates the process
func (l *Logger) Fatalf(format string, args ...interface{}) { l.Fatal(fmt.Sprintf(format, args...)) }

func (l *Logger) Printf(format string, args ...interface{}) { l.write(fmt.Sprintf(format, args...)) }

// at() writes the message if the configured level allows it
func (l *Logger) at(level int32, c int, tag, msg string) {
	if l.config.Level > level {
		return
	}
	l.write(colorString(c, tag+msg))
}

// write() outputs the log line with a timestamp (and prefix if any) to the configured writer
func (l *Logger) write(msg string) {
	ts := colorString(GRAY, time.Now().Format(time.StampMilli))
	if l.config.Prefix != "" {
		ts += " " + colorString(GRAY, "["+l.config.Prefix+"]")
	}
	if _, err := fmt.Fprintf(l.config.Out, "%s %s\n", ts, msg); err != nil {
		fmt.Println(fmt.Sprintf("logger write failed with err: %s", err.Error()))
	}
}

// NewLogger() creates a new Logger; without a configured writer it logs to stdout and a rotating file
func NewLogger(config LoggerConfig, dataDirPath ...string) LoggerI {
	if config.Out == nil {
		dir := DefaultDataDirPath()
		if len(dataDirPath) != 0 && dataDirPath[0] != "" {
			dir = dataDirPath[0]
		}
		logPath := filepath.Join(dir, LogDirectory, LogFileName)
		if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
			if err = os.MkdirAll(filepath.Join(dir, LogDirectory), os.ModePerm); err != nil {
				panic(err)
			}
		}
		logFile := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    1, // megabyte
			MaxBackups: 1500,
			MaxAge:     14, // days
			Compress:   true,
		}
		config.Out = io.MultiWriter(os.Stdout, logFile)
	}
	return &Logger{config: config}
}

// NewDefaultLogger() creates a Logger at the Debug level to stdout
func NewDefaultLogger() LoggerI {
	return NewLogger(LoggerConfig{Level: DebugLevel, Out: os.Stdout})
}

// NewNullLogger() creates a Logger that discards all output
func NewNullLogger() LoggerI {
	return NewLogger(LoggerConfig{Level: DebugLevel, Out: io.Discard})
}

// colorString() applies the color per line, preserving line breaks
func colorString(c int, msg string) string {
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		lines[i] = cString(c, line)
	}
	return strings.Join(lines, "\n")
}

// cString() returns a string with a specific color applied
func cString(c int, msg string) string {
	switch c {
	case BLUE:
		return color.BlueString(msg)
	case RED:
		return color.RedString(msg)
	case YELLOW:
		return color.YellowString(msg)
	case GREEN:
		return color.GreenString(msg)
	case GRAY:
		return color.HiBlackString(msg)
	default:
		return color.WhiteString(msg)
	}
}

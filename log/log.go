// Package log contains a leveled logging façade used across sphinxd.
// The interface is intentionally small — it is the contract every
// package in this repo codes against — so the backend can be swapped
// without touching call sites. It is backed by logrus.
package log

import (
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Logger interface is subset of github.com/uber-common/bark.Logger methods.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})
	WithFields(keyValues LogFields) Logger
	Fields() Fields
}

type LogFields interface {
	Fields() map[string]interface{}
}

type Fields map[string]interface{}

func (f Fields) Fields() map[string]interface{} { return f }

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

var stringToLevel = func() map[string]Level {
	var levels = []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel}
	res := make(map[string]Level, len(levels))
	for _, l := range levels {
		res[l.String()] = l
	}
	return res
}()

func LevelFromString(s string) (Level, error) {
	var err error
	l, ok := stringToLevel[s]
	if !ok {
		err = errors.New("invalid level " + s)
	}
	return l, err
}

// NewLogger returns a Logger writing lines of the given minimal level to w.
func NewLogger(l Level, w io.Writer) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(l.logrus())
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &logger{entry: logrus.NewEntry(base)}
}

// logger adapts a logrus.Entry to the Logger interface.
type logger struct {
	entry *logrus.Entry
}

func (l *logger) Fields() Fields {
	f := make(Fields, len(l.entry.Data))
	for k, v := range l.entry.Data {
		f[k] = v
	}
	return f
}

func (l *logger) WithFields(keyValues LogFields) Logger {
	return &logger{entry: l.entry.WithFields(keyValues.Fields())}
}

func (l *logger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logger) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logger) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }

func (l *logger) Fatal(args ...interface{}) {
	l.entry.Error(args...)
	os.Exit(1)
}
func (l *logger) Fatalf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
	os.Exit(1)
}

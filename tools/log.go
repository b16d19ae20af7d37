package tools

import (
	"io"
	"os"

	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the root logger all components are cloned from.
func NewLogger(level string, jsonFormat bool) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.Level = lvl
	if jsonFormat {
		l.Formatter = &logrus.JSONFormatter{}
	}
	return l
}

// DiscardLogger is used by tests and by components created without a cloner.
func DiscardLogger() *Logger {
	l := logrus.New()
	l.Out = io.Discard
	return LoggerCloner(l)
}

func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

// New returns a copy of the root logger tagged with who=name.
func (l *Logger) New(name string) *logrus.Logger {
	if l == nil {
		return DiscardLogger().New(name)
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        mapz.Clone(l.def.Hooks),
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll
}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}

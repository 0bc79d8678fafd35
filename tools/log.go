package tools

import (
	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// Logger hands out per-subsystem logrus instances. Each clone shares the
// root logger's output, formatter, level and hooks, and tags every entry
// with a who field so the daemon's services can be told apart in one
// combined stream.
type Logger struct {
	def *logrus.Logger
}

func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{def: l}
}

// New clones the root logger for the named subsystem. Hooks are copied so
// a subsystem adding its own does not leak it into the others.
func (l *Logger) New(name string) *logrus.Logger {
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

// LoggerWho stamps entries with the subsystem name.
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

package master

import (
	log "github.com/sirupsen/logrus"

	"github.com/ipa320/ros-canopen/pkg/layer"
	"github.com/ipa320/ros-canopen/pkg/node"
	"github.com/ipa320/ros-canopen/pkg/od"
)

// Logger aggregates the diagnostics of one node : the layer report
// plus configured dictionary entries read through storage.
type Logger struct {
	node    *node.Node
	group   layer.DiagGroup
	entries []diagEntry
}

type diagEntry struct {
	level layer.Severity
	name  string
	read  func() (string, error)
}

func NewLogger(n *node.Node) *Logger {
	logger := &Logger{node: n}
	logger.group.Add(n)
	return logger
}

// Add binds a dictionary entry to the diagnostic output. Entries
// with a level above Ok only appear once the report escalated that
// far. With forced set the value is read from the device, otherwise
// the cached value is used.
func (l *Logger) Add(level layer.Severity, key od.Key, forced bool) error {
	entry, err := l.node.Storage().Dictionary().Entry(key.Index, key.Sub)
	if err != nil {
		return err
	}
	name := entry.Desc
	if name == "" {
		name = key.String()
	}
	reader, err := l.node.Storage().StringReader(key, !forced)
	if err != nil {
		return err
	}
	l.entries = append(l.entries, diagEntry{level: level, name: name, read: reader})
	return nil
}

// Report collects the node's layer diagnostics and the bound
// dictionary entries.
func (l *Logger) Report() *layer.Report {
	report := &layer.Report{}
	l.group.Diag(report)
	for _, entry := range l.entries {
		if report.Get() < entry.level {
			continue
		}
		value, err := entry.read()
		if err != nil {
			value = "<ERROR>"
		}
		report.Add(entry.name, value)
	}
	return report
}

// Log writes the current report to the master log.
func (l *Logger) Log() {
	report := l.Report()
	fields := log.Fields{}
	for _, value := range report.Values() {
		fields[value.Key] = value.Value
	}
	line := log.WithFields(fields)
	switch report.Get() {
	case layer.Ok:
		line.Debug("node diagnostics")
	case layer.Warn:
		line.Warnf("node diagnostics: %s", report.Reason())
	default:
		line.Errorf("node diagnostics: %s", report.Reason())
	}
}

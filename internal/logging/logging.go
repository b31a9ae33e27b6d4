// Package logging provides pre-configured component loggers for the daemon.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	root    *logrus.Logger
	loggers = make(map[string]*logrus.Entry)
)

// Setup configures the root logger. Must be called before NewLogger; later
// calls replace the level and output for all component loggers.
func Setup(level string, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if root == nil {
		root = logrus.New()
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	root.SetLevel(lv)
	if out != nil {
		root.SetOutput(out)
	}
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// NewLogger returns a logger tagged with the component name. Loggers are
// singletons per component.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := loggers[component]; ok {
		return entry
	}
	if root == nil {
		root = logrus.New()
		root.SetOutput(os.Stderr)
	}
	entry := root.WithField("component", component)
	loggers[component] = entry
	return entry
}

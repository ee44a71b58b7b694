package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is usable before Init so packages can log from tests.
var Log = logrus.New()

// Init configures JSON logging to stdout for a long-running service. Every
// entry carries the service name.
func Init(service string) {
	configure(os.Stdout, &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}, service)
}

// InitCLI logs human-readable text to stderr so command output on stdout
// stays clean.
func InitCLI(service string) {
	configure(os.Stderr, &logrus.TextFormatter{FullTimestamp: true}, service)
}

func configure(out io.Writer, formatter logrus.Formatter, service string) {
	Log = logrus.New()
	Log.SetOutput(out)
	Log.SetFormatter(formatter)
	if os.Getenv("LOG_FORMAT") == "text" {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if service != "" {
		Log.AddHook(serviceHook(service))
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

type serviceHook string

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = string(h)
	}
	return nil
}

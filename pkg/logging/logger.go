package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is usable before InitLogger so that packages can log from tests.
var Log = logrus.New()

// InitLogger configures Log. Debug mode uses human readable text at debug
// level, otherwise JSON at info level. When file is set, output is teed to it.
func InitLogger(debug bool, file string) error {
	Log = logrus.New()
	Log.Out = os.Stdout

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		Log.Out = io.MultiWriter(os.Stdout, f)
	}

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

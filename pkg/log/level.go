package log

import "github.com/sirupsen/logrus"

// SetLogrusLevel sets the log-level of the given logger from logLevelStr,
// falling back to info when the string is empty or unparsable.
func SetLogrusLevel(logrusLogger *logrus.Logger, logLevelStr string) {
	logLevel := logrus.InfoLevel
	if logLevelStr != "" {
		var err error
		if logLevel, err = logrus.ParseLevel(logLevelStr); err != nil {
			logLevel = logrus.InfoLevel
			logrusLogger.Errorf("%v, falling back to default %q", err, logLevel)
		}
	}
	logrusLogger.SetLevel(logLevel)
}

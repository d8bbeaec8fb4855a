package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// LoggerHelper builds the log entry for one crypto operation. Each With
// call returns a new helper, so a base helper can be shared between
// branches.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger creates a helper tagged with the calling function name,
// writing to the logrus standard logger.
func NewLogger(function string) *LoggerHelper {
	return NewLoggerWith(nil, function)
}

// NewLoggerWith is NewLogger with an explicit logger.
func NewLoggerWith(logger *logrus.Logger, function string) *LoggerHelper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggerHelper{entry: logger.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})}
}

func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(fields)}
}

// WithSecret describes key material without logging it.
func (l *LoggerHelper) WithSecret(name string, data []byte) *LoggerHelper {
	return l.WithFields(SecureFieldHash(data, name))
}

// WithError records err and the step that produced it. A *Error also
// contributes its kind.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	fields := logrus.Fields{
		"error":     err.Error(),
		"operation": operation,
	}
	if kind := KindOf(err); kind != 0 {
		fields["error_kind"] = kind.String()
	}
	return l.WithFields(fields)
}

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }
func (l *LoggerHelper) Info(message string)  { l.entry.Info(message) }
func (l *LoggerHelper) Warn(message string)  { l.entry.Warn(message) }
func (l *LoggerHelper) Error(message string) { l.entry.Error(message) }

// SecureFieldHash returns log fields naming sensitive data by length and
// the first eight bytes of its SHA-256 digest, enough to correlate two log
// lines without revealing any of the data.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	if len(data) == 0 {
		return logrus.Fields{
			name + "_digest": "none",
			name + "_size":   0,
		}
	}
	sum := sha256.Sum256(data)
	return logrus.Fields{
		name + "_digest": hex.EncodeToString(sum[:8]),
		name + "_size":   len(data),
	}
}

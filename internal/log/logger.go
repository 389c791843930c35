package log

// Logger is the leveled, structured logger used across the node.
type Logger interface {
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
}

type Fields map[string]interface{}

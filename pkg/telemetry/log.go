package telemetry

// Logger is implemented by *log.Logger from github.com/galdor/go-log. Debug
// level 1 is used for lifecycle messages, level 2 for per-event messages.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// Package log builds the process logger and exposes its level at runtime.
package log

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logger is a shared go-kit logger. Components take a logger through
	// their constructors; the global is only used by the binaries.
	Logger = log.NewNopLogger()

	plogger *prometheusLogger
)

// InitLogger initialises the global logger according to the format and level
// and counts every line per level in reg.
func InitLogger(format string, lvl dslog.Level, reg prometheus.Registerer) log.Logger {
	return initLogger(os.Stderr, format, lvl, reg)
}

func initLogger(w io.Writer, format string, lvl dslog.Level, reg prometheus.Registerer) log.Logger {
	plogger = newPrometheusLogger(newBaseLogger(w, format), lvl, reg)

	Logger = log.With(plogger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return Logger
}

func newBaseLogger(w io.Writer, format string) log.Logger {
	w = log.NewSyncWriter(w)
	if format == "json" {
		return log.NewJSONLogger(w)
	}
	return log.NewLogfmtLogger(w)
}

// prometheusLogger exposes Prometheus counters for each of go-kit's log
// levels.
type prometheusLogger struct {
	baseLogger  log.Logger
	logMessages *prometheus.CounterVec

	mu     sync.RWMutex
	logger log.Logger
}

func newPrometheusLogger(base log.Logger, lvl dslog.Level, reg prometheus.Registerer) *prometheusLogger {
	l := &prometheusLogger{
		baseLogger: base,
		logMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamql",
			Name:      "log_messages_total",
			Help:      "Total number of log messages by level.",
		}, []string{"level"}),
	}
	// Initialise counters for all supported levels.
	for _, name := range []string{"debug", "info", "warn", "error"} {
		l.logMessages.WithLabelValues(name)
	}
	l.setLevel(lvl)
	return l
}

func (pl *prometheusLogger) setLevel(lvl dslog.Level) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.logger = level.NewFilter(log.LoggerFunc(pl.write), lvl.Option)
}

// Log forwards kv to the level filter.
func (pl *prometheusLogger) Log(kv ...interface{}) error {
	pl.mu.RLock()
	logger := pl.logger
	pl.mu.RUnlock()
	if logger == nil {
		return pl.write(kv...)
	}
	return logger.Log(kv...)
}

// write emits a line that passed the filter and counts it by level.
func (pl *prometheusLogger) write(kv ...interface{}) error {
	if err := pl.baseLogger.Log(kv...); err != nil {
		return err
	}
	if pl.logMessages == nil {
		return nil
	}
	l := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			l = v.String()
			break
		}
	}
	pl.logMessages.WithLabelValues(l).Inc()
	return nil
}

// LevelHandler shows or changes the log level. A POST with a log_level form
// value switches the level of the global logger.
func LevelHandler(currentLogLevel *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]string{
				"message": fmt.Sprintf("Current log level is %s", currentLogLevel.String()),
			})
		case http.MethodPost:
			logLevel := r.FormValue("log_level")
			if err := currentLogLevel.Set(logLevel); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"status":  "failed",
					"message": err.Error(),
				})
				return
			}
			if plogger != nil {
				plogger.setLevel(*currentLogLevel)
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "success",
				"message": "Log level set to " + logLevel,
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		level.Error(Logger).Log("msg", "error writing response", "err", err)
	}
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error, logger log.Logger) {
	if err == nil {
		return
	}
	logger = level.Error(logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}

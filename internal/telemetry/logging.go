package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// Redacted — значение, которое пишется вместо секретов.
const Redacted = "[REDACTED]"

// MaxLogValueLen — длина строкового атрибута, после которой он обрезается.
// Ответы LLM и тексты резюме целиком в лог не попадают.
const MaxLogValueLen = 512

// sensitiveKeys — ключи атрибутов, значения которых не логируются.
// Сравнение без учёта регистра, "_" и "-".
var sensitiveKeys = map[string]bool{
	"apikey":         true,
	"authorization":  true,
	"password":       true,
	"secret":         true,
	"secretkey":      true,
	"token":          true,
	"dburl":          true,
	"rabbitmqurl":    true,
	"resume":         true,
	"resumecontent":  true,
	"email":          true,
	"recipientemail": true,
}

// ParseLevel разбирает уровень логирования: DEBUG, INFO, WARN, ERROR
// (регистр не важен). Всё остальное — INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger создаёт логгер по LOG_LEVEL / LOG_FORMAT.
// Используется до загрузки конфигурации.
func SetupLogger() *slog.Logger {
	return NewLogger(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")), os.Getenv("LOG_FORMAT"))
}

// NewLogger создаёт логгер и делает его глобальным.
//
// format "text" — человекочитаемый вывод, иначе JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	logger := slog.New(NewHandler(w, level, format))
	slog.SetDefault(logger)
	return logger
}

// NewHandler создаёт обработчик с маскированием секретов.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}

	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	if a.Value.Kind() == slog.KindString {
		if s := a.Value.String(); len(s) > MaxLogValueLen {
			return slog.String(a.Key, truncateUTF8(s, MaxLogValueLen)+"…")
		}
	}
	return a
}

func isSensitive(key string) bool {
	normalized := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	return sensitiveKeys[normalized]
}

// truncateUTF8 обрезает s до n байт, не разрезая руну.
func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// WithRunID возвращает логгер с добавленным run_id.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStage возвращает логгер с добавленной стадией.
func WithStage(logger *slog.Logger, stage string) *slog.Logger {
	return logger.With("stage", stage)
}

// WithSessionID возвращает логгер с добавленным session_id.
func WithSessionID(logger *slog.Logger, sessionID string) *slog.Logger {
	if sessionID == "" {
		return logger
	}
	return logger.With("session_id", sessionID)
}

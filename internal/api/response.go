package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/orchestrator"
)

// ErrorCode — машинно-читаемый код ошибки в теле ответа.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeInvalidInput  ErrorCode = "REJECTED_INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — тело ответа с ошибкой: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — код и сообщение ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — тело успешного ответа: {"data": ...}.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — тело ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// Success — 200 с данными.
func Success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, DataResponse{Data: data})
}

// Accepted — 202: run принят и выполняется асинхронно.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List — 200 со списком и его длиной.
func List(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// BadRequest — 400 для некорректного запроса.
func BadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// InvalidInput — 400 для запуска, отклонённого валидацией входа.
func InvalidInput(w http.ResponseWriter, reason string) {
	writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, reason)
}

// NotFound — 404.
func NotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// TooManyRequests — 429 с Retry-After в целых секундах (не меньше 1).
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := max(int((retryAfter+time.Second-1)/time.Second), 1)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited,
		"please wait "+strconv.Itoa(secs)+"s before submitting another run")
}

// InternalError — 500. Подробности ошибки пишутся в лог, не клиенту.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorMapping — ответ на ошибку сервиса, найденную через errors.Is.
type errorMapping struct {
	target  error
	status  int
	code    ErrorCode
	message func(err error, notFound string) string
}

func notFoundMessage(_ error, notFound string) string { return notFound }
func errorMessage(err error, _ string) string         { return err.Error() }

var errorMappings = []errorMapping{
	{orchestrator.ErrRunNotFound, http.StatusNotFound, ErrCodeNotFound, notFoundMessage},
	{artifact.ErrNotFound, http.StatusNotFound, ErrCodeNotFound, notFoundMessage},
	{orchestrator.ErrInvalidRunID, http.StatusBadRequest, ErrCodeBadRequest, errorMessage},
	{artifact.ErrInvalidKey, http.StatusBadRequest, ErrCodeBadRequest, errorMessage},
	{orchestrator.ErrOrchestratorStopped, http.StatusServiceUnavailable, ErrCodeUnavailable,
		func(error, string) string { return "service is shutting down" }},
}

// HandleError пишет ответ для ошибки сервиса и возвращает true,
// если err != nil. Неизвестные ошибки — 500.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFound string) bool {
	if err == nil {
		return false
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.message(err, notFound))
			return true
		}
	}

	InternalError(w, logger, err)
	return true
}

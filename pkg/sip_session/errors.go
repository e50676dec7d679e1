package sip_session

import (
	"fmt"
)

// SessionErrorCode коды ошибок сессии
type SessionErrorCode int

const (
	// Ошибки контракта
	ErrorCodeNoMedia SessionErrorCode = iota + 4000
	ErrorCodeUnsupportedMedia
	ErrorCodeInvalidStream
	ErrorCodeInvalidTransition

	// Ошибки согласования
	ErrorCodeNoSupportedMedia
	ErrorCodeNotReady

	// Ошибки окружения
	ErrorCodeSignaling
	ErrorCodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (code SessionErrorCode) String() string {
	switch code {
	case ErrorCodeNoMedia:
		return "NoMedia"
	case ErrorCodeUnsupportedMedia:
		return "UnsupportedMedia"
	case ErrorCodeInvalidStream:
		return "InvalidStream"
	case ErrorCodeInvalidTransition:
		return "InvalidTransition"
	case ErrorCodeNoSupportedMedia:
		return "NoSupportedMedia"
	case ErrorCodeNotReady:
		return "NotReady"
	case ErrorCodeSignaling:
		return "Signaling"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// SessionError ошибка операции сессии
type SessionError struct {
	Code      SessionErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// NewSessionError создает ошибку сессии
func NewSessionError(code SessionErrorCode, sessionID string, format string, args ...interface{}) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("[сессия:%s] %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("[сессия:%s] %s: %s", e.Code, e.SessionID, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *SessionError) Is(target error) bool {
	if t, ok := target.(*SessionError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к ошибке
func (e *SessionError) WithContext(key string, value interface{}) *SessionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Предопределенные ошибки для errors.Is
var (
	ErrNoMedia           = &SessionError{Code: ErrorCodeNoMedia, Message: "в сессии нет медиа"}
	ErrUnsupportedMedia  = &SessionError{Code: ErrorCodeUnsupportedMedia, Message: "тип медиа не поддерживается"}
	ErrInvalidStream     = &SessionError{Code: ErrorCodeInvalidStream, Message: "поток не существует"}
	ErrInvalidTransition = &SessionError{Code: ErrorCodeInvalidTransition, Message: "недопустимый переход состояния"}
	ErrNoSupportedMedia  = &SessionError{Code: ErrorCodeNoSupportedMedia, Message: "нет поддерживаемых медиа"}
	ErrNotReady          = &SessionError{Code: ErrorCodeNotReady, Message: "медиа не готовы"}
	ErrSignaling         = &SessionError{Code: ErrorCodeSignaling, Message: "ошибка сигнализации"}
	ErrInvalidConfig     = &SessionError{Code: ErrorCodeInvalidConfig, Message: "некорректная конфигурация"}
)

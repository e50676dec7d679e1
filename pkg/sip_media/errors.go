package sip_media

import (
	"fmt"
)

// NegotiationErrorCode коды ошибок согласования медиа
type NegotiationErrorCode int

const (
	// Ошибки удаленного описания
	ErrorCodeRemoteMediaRejected NegotiationErrorCode = iota + 3000
	ErrorCodeRemoteProtoUnsupported
	ErrorCodeRemoteNoConnection
	ErrorCodeRemoteNoCodecs
	ErrorCodeRemoteSDPParsing

	// Ошибки конфигурации
	ErrorCodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (code NegotiationErrorCode) String() string {
	switch code {
	case ErrorCodeRemoteMediaRejected:
		return "RemoteMediaRejected"
	case ErrorCodeRemoteProtoUnsupported:
		return "RemoteProtoUnsupported"
	case ErrorCodeRemoteNoConnection:
		return "RemoteNoConnection"
	case ErrorCodeRemoteNoCodecs:
		return "RemoteNoCodecs"
	case ErrorCodeRemoteSDPParsing:
		return "RemoteSDPParsing"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// NegotiationError ошибка согласования одной медиа линии
type NegotiationError struct {
	Code    NegotiationErrorCode
	Message string
	Media   string
	Context map[string]interface{}
	Wrapped error
}

// NewNegotiationError создает ошибку согласования для медиа линии
func NewNegotiationError(code NegotiationErrorCode, media string, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Media:   media,
	}
}

// Error реализует интерфейс error
func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("[согласование:%s] %s", e.Code, e.Message)
	if e.Media != "" {
		msg = fmt.Sprintf("[согласование:%s] медиа %s: %s", e.Code, e.Media, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *NegotiationError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *NegotiationError) Is(target error) bool {
	if t, ok := target.(*NegotiationError); ok {
		return e.Code == t.Code
	}
	return false
}

// Значения для сравнения через errors.Is
var (
	ErrRemoteMediaRejected    = &NegotiationError{Code: ErrorCodeRemoteMediaRejected}
	ErrRemoteProtoUnsupported = &NegotiationError{Code: ErrorCodeRemoteProtoUnsupported}
	ErrRemoteNoConnection     = &NegotiationError{Code: ErrorCodeRemoteNoConnection}
	ErrRemoteNoCodecs         = &NegotiationError{Code: ErrorCodeRemoteNoCodecs}
	ErrInvalidConfig          = &NegotiationError{Code: ErrorCodeInvalidConfig}
)

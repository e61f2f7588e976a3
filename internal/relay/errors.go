package relay

import (
	"errors"
	"net/http"
)

// ErrorKind classifies relay failures for responses, logs, and audit entries.
type ErrorKind string

const (
	KindMissingFile       ErrorKind = "missing_file"
	KindMissingFiles      ErrorKind = "missing_files"
	KindMissingDimensions ErrorKind = "missing_dimensions"
	KindInvalidDimensions ErrorKind = "invalid_dimensions"
	KindUploadTooLarge    ErrorKind = "upload_too_large"
	KindInvalidUpload     ErrorKind = "invalid_upload"
	KindStagingFailed     ErrorKind = "staging_failed"
	KindDownstream        ErrorKind = "downstream_error"
)

const (
	msgMissingFile       = "Nenhum arquivo enviado"
	msgMissingFiles      = "Dois arquivos são necessários"
	msgMissingDimensions = "Largura e altura são obrigatórios"
	msgInvalidDimensions = "Largura e altura devem ser inteiros positivos"
	msgUploadTooLarge    = "Arquivo excede o tamanho máximo permitido"
	msgInvalidUpload     = "Requisição multipart inválida"
	msgStagingFailed     = "Erro ao armazenar arquivo"
)

// Error is returned by every relay operation. Message is the user-facing text
// and Detail carries the underlying failure for downstream errors.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClientError reports whether the failure was caused by the caller's input.
func (e *Error) ClientError() bool {
	return e.Status < http.StatusInternalServerError
}

// AsError extracts a relay error from err.
func AsError(err error) (*Error, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr, true
	}
	return nil, false
}

func inputError(kind ErrorKind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: cause}
}

func errMissingFile() *Error {
	return inputError(KindMissingFile, http.StatusBadRequest, msgMissingFile, nil)
}

func errMissingFiles() *Error {
	return inputError(KindMissingFiles, http.StatusBadRequest, msgMissingFiles, nil)
}

func errMissingDimensions() *Error {
	return inputError(KindMissingDimensions, http.StatusBadRequest, msgMissingDimensions, nil)
}

func errInvalidDimensions() *Error {
	return inputError(KindInvalidDimensions, http.StatusBadRequest, msgInvalidDimensions, nil)
}

func errUploadTooLarge(cause error) *Error {
	return inputError(KindUploadTooLarge, http.StatusRequestEntityTooLarge, msgUploadTooLarge, cause)
}

func errInvalidUpload(cause error) *Error {
	return inputError(KindInvalidUpload, http.StatusBadRequest, msgInvalidUpload, cause)
}

func downstreamError(message string, cause error) *Error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: KindDownstream, Status: http.StatusInternalServerError, Message: message, Detail: detail, Err: cause}
}

func errStagingFailed(cause error) *Error {
	return &Error{Kind: KindStagingFailed, Status: http.StatusInternalServerError, Message: msgStagingFailed, Detail: cause.Error(), Err: cause}
}

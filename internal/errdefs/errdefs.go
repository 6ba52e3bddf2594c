package errdefs

import "errors"

type ErrorType int

const (
	ErrTypeEngineUnavailable ErrorType = iota
	ErrTypeFetchFailed
	ErrTypeTranslationUnsupported
	ErrTypeNotFound
	ErrTypeIndexingFailed
	ErrTypeSearchFailed
	ErrTypeFeedFailed
	ErrTypeInvalidConfig
	ErrTypeInvalidQuery
	ErrTypeCancelled
)

func (t ErrorType) String() string {
	switch t {
	case ErrTypeEngineUnavailable:
		return "engine unavailable"
	case ErrTypeFetchFailed:
		return "fetch failed"
	case ErrTypeTranslationUnsupported:
		return "translation unsupported"
	case ErrTypeNotFound:
		return "not found"
	case ErrTypeIndexingFailed:
		return "indexing failed"
	case ErrTypeSearchFailed:
		return "search failed"
	case ErrTypeFeedFailed:
		return "feed failed"
	case ErrTypeInvalidConfig:
		return "invalid config"
	case ErrTypeInvalidQuery:
		return "invalid query"
	case ErrTypeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type CustomError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

// Is matches any CustomError of the same type, so the sentinels below work
// with errors.Is regardless of message.
func (e *CustomError) Is(target error) bool {
	t, ok := target.(*CustomError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

func NewCustomError(errType ErrorType, message string, err error) error {
	return &CustomError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// IsType reports whether any error in err's chain is a CustomError of errType.
func IsType(err error, errType ErrorType) bool {
	var ce *CustomError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Type == errType {
			return true
		}
		err = ce.Err
	}
	return false
}

var (
	ErrEngineUnavailable      = &CustomError{Type: ErrTypeEngineUnavailable, Message: "engine unavailable"}
	ErrFetchFailed            = &CustomError{Type: ErrTypeFetchFailed, Message: "fetch failed"}
	ErrTranslationUnsupported = &CustomError{Type: ErrTypeTranslationUnsupported, Message: "translation unsupported"}
	ErrNotFound               = &CustomError{Type: ErrTypeNotFound, Message: "not found"}
	ErrIndexingFailed         = &CustomError{Type: ErrTypeIndexingFailed, Message: "indexing failed"}
	ErrSearchFailed           = &CustomError{Type: ErrTypeSearchFailed, Message: "search failed"}
	ErrFeedFailed             = &CustomError{Type: ErrTypeFeedFailed, Message: "feed failed"}
	ErrInvalidConfig          = &CustomError{Type: ErrTypeInvalidConfig, Message: "invalid config"}
	ErrInvalidQuery           = &CustomError{Type: ErrTypeInvalidQuery, Message: "invalid query"}
	ErrCancelled              = &CustomError{Type: ErrTypeCancelled, Message: "cancelled"}
)

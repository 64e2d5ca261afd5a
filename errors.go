package session

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeMalformedToken     = "MALFORMED_TOKEN"
	TextCodeUnparsableClaims   = "UNPARSABLE_CLAIMS"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeUnauthorized       = "AUTH_UNAUTHORIZED"
	TextCodeForbidden          = "AUTH_FORBIDDEN"
	TextCodeServerError        = "AUTH_SERVER_ERROR"
	TextCodeNoCredential       = "AUTH_NO_CREDENTIAL"
	TextCodeInvalidCredential  = "AUTH_INVALID_CREDENTIAL"
	TextCodeValidationFailed   = "AUTH_VALIDATION_FAILED"
	TextCodeConflict           = "AUTH_CONFLICT"
	metadataFieldKey           = "field"
	metadataStatusKey          = "status"
	metadataPathKey            = "path"
	metadataBackendMessageKey  = "backend_message"
	metadataDecodeFailureKey   = "decode_error"
	metadataTimeoutExceededKey = "timeout"
)

// ErrMalformedToken is returned when a credential is not three non-empty
// dot separated segments, or its signature does not verify.
var ErrMalformedToken = goerrors.New("malformed token", goerrors.CategoryAuth).
	WithTextCode(TextCodeMalformedToken).
	WithCode(goerrors.CodeUnauthorized)

// ErrUnparsableClaims is returned when the payload segment is not a JSON
// object carrying a numeric exp claim.
var ErrUnparsableClaims = goerrors.New("unparsable token claims", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnparsableClaims).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenExpired is returned by Codec.Validate for expired credentials
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

var ErrUnauthorized = goerrors.New("invalid username or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

var ErrForbidden = goerrors.New("account is not allowed to sign in", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrServerError = goerrors.New("authentication service unavailable", goerrors.CategoryOperation).
	WithTextCode(TextCodeServerError).
	WithCode(http.StatusServiceUnavailable)

var ErrNoCredential = goerrors.New("login response did not include a token", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoCredential).
	WithCode(goerrors.CodeUnauthorized)

var ErrInvalidCredential = goerrors.New("login response token is invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredential).
	WithCode(goerrors.CodeUnauthorized)

var ErrValidationFailed = goerrors.New("registration validation failed", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidationFailed).
	WithCode(goerrors.CodeBadRequest)

var ErrConflict = goerrors.New("username or email already taken", goerrors.CategoryConflict).
	WithTextCode(TextCodeConflict).
	WithCode(goerrors.CodeConflict)

// AuthErrorKind classifies lifecycle failures
type AuthErrorKind string

const (
	KindNone              AuthErrorKind = ""
	KindMalformedToken    AuthErrorKind = "malformed_token"
	KindUnparsableClaims  AuthErrorKind = "unparsable_claims"
	KindTokenExpired      AuthErrorKind = "token_expired"
	KindUnauthorized      AuthErrorKind = "unauthorized"
	KindForbidden         AuthErrorKind = "forbidden"
	KindServerError       AuthErrorKind = "server_error"
	KindNoCredential      AuthErrorKind = "no_credential"
	KindInvalidCredential AuthErrorKind = "invalid_credential"
	KindValidationFailed  AuthErrorKind = "validation_failed"
	KindConflict          AuthErrorKind = "conflict"
)

var kindsByTextCode = map[string]AuthErrorKind{
	TextCodeMalformedToken:    KindMalformedToken,
	TextCodeUnparsableClaims:  KindUnparsableClaims,
	TextCodeTokenExpired:      KindTokenExpired,
	TextCodeUnauthorized:      KindUnauthorized,
	TextCodeForbidden:         KindForbidden,
	TextCodeServerError:       KindServerError,
	TextCodeNoCredential:      KindNoCredential,
	TextCodeInvalidCredential: KindInvalidCredential,
	TextCodeValidationFailed:  KindValidationFailed,
	TextCodeConflict:          KindConflict,
}

// KindOf returns the kind of a session error, or KindNone for foreign errors.
func KindOf(err error) AuthErrorKind {
	if err == nil {
		return KindNone
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return KindNone
	}
	return kindsByTextCode[richErr.TextCode]
}

// ValidationField returns the field a ValidationFailed error refers to.
func ValidationField(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return ""
	}
	field, _ := richErr.Metadata[metadataFieldKey].(string)
	return field
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	return KindOf(err) == KindTokenExpired
}

// IsMalformedError reports decode failures of either kind
func IsMalformedError(err error) bool {
	kind := KindOf(err)
	return kind == KindMalformedToken || kind == KindUnparsableClaims
}

// newError clones sentinel so per occurrence metadata never leaks into it.
func newError(sentinel *goerrors.Error, metadata map[string]any) *goerrors.Error {
	clone := sentinel.Clone()
	if clone == nil {
		return sentinel
	}
	clone.Source = sentinel
	if len(metadata) == 0 {
		return clone
	}
	return clone.WithMetadata(metadata)
}

func newErrorWithMessage(sentinel *goerrors.Error, message string, metadata map[string]any) *goerrors.Error {
	err := newError(sentinel, metadata)
	if message = strings.TrimSpace(message); message != "" && err != sentinel {
		err.Message = message
	}
	return err
}

func validationFailed(field string, cause error) *goerrors.Error {
	message := ErrValidationFailed.Message
	if cause != nil {
		message = field + ": " + cause.Error()
	}
	return newErrorWithMessage(ErrValidationFailed, message, map[string]any{
		metadataFieldKey: field,
	})
}

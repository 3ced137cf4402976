package conn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory groups directory errors by how callers should react to them.
type ErrorCategory string

const (
	CategoryConnection     ErrorCategory = "connection"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryPermission     ErrorCategory = "permission"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryValidation     ErrorCategory = "validation"
	CategoryServer         ErrorCategory = "server"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Error wraps a directory failure with the operation it arose from, an error
// category, and retryability.
type Error struct {
	Operation string
	Category  ErrorCategory
	Code      uint16 // LDAP result code, 0 when not protocol-level
	DN        string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code > 0 {
		fmt.Fprintf(&b, "ldap %s failed (code %d)", e.Operation, e.Code)
	} else {
		fmt.Fprintf(&b, "ldap %s failed", e.Operation)
	}
	if e.DN != "" {
		fmt.Fprintf(&b, " on %s", e.DN)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) IsRetryable() bool { return e.Retryable }

// WrapError annotates err with the failed operation and the DN it involved.
// Already-wrapped errors keep their classification.
func WrapError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Operation == "" {
			existing.Operation = operation
		}
		if existing.DN == "" {
			existing.DN = dn
		}
		return existing
	}

	wrapped := &Error{
		Operation: operation,
		DN:        dn,
		Cause:     err,
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		wrapped.Code = ldapErr.ResultCode
		wrapped.Category = categorizeCode(ldapErr.ResultCode)
		wrapped.Retryable = isCodeRetryable(ldapErr.ResultCode)
	} else {
		wrapped.Category = categorizeGeneric(err)
		wrapped.Retryable = isGenericRetryable(err)
	}

	return wrapped
}

func categorizeCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return CategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return CategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return CategoryNotFound

	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return CategoryConflict

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultFilterError:
		return CategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return CategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError:
		return CategoryConnection

	default:
		return CategoryUnknown
	}
}

func categorizeGeneric(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "broken pipe"):
		return CategoryConnection
	case strings.Contains(msg, "credentials"),
		strings.Contains(msg, "authentication"):
		return CategoryAuthentication
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "access denied"):
		return CategoryPermission
	default:
		return CategoryUnknown
	}
}

func isCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError:
		return true
	default:
		return false
	}
}

func isGenericRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection", "timeout", "network", "broken pipe",
		"connection reset", "temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetryableError is implemented by errors that may succeed on retry.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultOperationsError) {
		return true
	}
	return isGenericRetryable(err)
}

// Category returns the category of err.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Category
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return categorizeCode(ldapErr.ResultCode)
	}
	return categorizeGeneric(err)
}

// IsNotFound reports whether err indicates a missing entry or attribute.
func IsNotFound(err error) bool { return Category(err) == CategoryNotFound }

// IsConflict reports whether err indicates the entry or value already exists.
func IsConflict(err error) bool { return Category(err) == CategoryConflict }

// IsAuthentication reports whether err indicates an authentication problem.
func IsAuthentication(err error) bool { return Category(err) == CategoryAuthentication }

// IsPermission reports whether err indicates insufficient access.
func IsPermission(err error) bool { return Category(err) == CategoryPermission }

// IsValidation reports whether err indicates the server rejected the request
// as malformed (bad filter, bad DN syntax, constraint violation).
func IsValidation(err error) bool { return Category(err) == CategoryValidation }

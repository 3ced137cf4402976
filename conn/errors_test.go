package conn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError("search", "", nil))

	tests := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
	}{
		{
			name:      "no such object",
			err:       ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")),
			category:  CategoryNotFound,
			retryable: false,
		},
		{
			name:      "invalid credentials",
			err:       ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
			category:  CategoryAuthentication,
			retryable: false,
		},
		{
			name:      "entry already exists",
			err:       ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("duplicate")),
			category:  CategoryConflict,
			retryable: false,
		},
		{
			name:      "server busy is retryable",
			err:       ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")),
			category:  CategoryServer,
			retryable: true,
		},
		{
			name:      "filter error",
			err:       ldap.NewError(ldap.LDAPResultFilterError, errors.New("bad filter")),
			category:  CategoryValidation,
			retryable: false,
		},
		{
			name:      "generic network error",
			err:       errors.New("dial tcp: connection refused"),
			category:  CategoryConnection,
			retryable: true,
		},
		{
			name:      "generic unknown error",
			err:       errors.New("something odd"),
			category:  CategoryUnknown,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapError("search", "dc=example,dc=com", tt.err)

			var e *Error
			require.ErrorAs(t, wrapped, &e)
			assert.Equal(t, "search", e.Operation)
			assert.Equal(t, "dc=example,dc=com", e.DN)
			assert.Equal(t, tt.category, e.Category)
			assert.Equal(t, tt.retryable, e.IsRetryable())
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))
		})
	}
}

func TestWrapError_idempotent(t *testing.T) {
	inner := WrapError("bind", "", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("nope")))
	outer := WrapError("connect", "cn=x", fmt.Errorf("dial: %w", inner))

	var e *Error
	require.ErrorAs(t, outer, &e)
	assert.Equal(t, "bind", e.Operation, "the original operation survives rewrapping")
	assert.Equal(t, "cn=x", e.DN, "an empty DN is filled in")
	assert.Equal(t, CategoryAuthentication, e.Category)
}

func TestErrorString(t *testing.T) {
	err := WrapError("modify", "uid=liam,dc=example", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("gone")))
	msg := err.Error()
	assert.Contains(t, msg, "modify")
	assert.Contains(t, msg, "uid=liam,dc=example")
	assert.Contains(t, msg, "32", "the result code is included")
}

func TestCategoryPredicates(t *testing.T) {
	notFound := WrapError("search", "", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("x")))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsConflict(notFound))

	conflict := ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("x"))
	assert.True(t, IsConflict(conflict), "bare ldap errors categorize too")

	auth := ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("x"))
	assert.True(t, IsAuthentication(auth))

	perm := ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("x"))
	assert.True(t, IsPermission(perm))

	validation := ldap.NewError(ldap.LDAPResultInvalidDNSyntax, errors.New("x"))
	assert.True(t, IsValidation(validation))

	assert.False(t, IsNotFound(nil))
}

func TestIsRetryable_plainErrors(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsRetryable(ldap.NewError(ldap.LDAPResultServerDown, errors.New("down"))))
	assert.False(t, IsRetryable(errors.New("invalid syntax")))
	assert.False(t, IsRetryable(nil))
}

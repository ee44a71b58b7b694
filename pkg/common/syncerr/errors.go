// Package syncerr is the error taxonomy shared by the consent client, the
// downstream client and the reconciliation cycle.
package syncerr

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryTransientNetwork     Category = "transient_network"
	CategoryAuthentication       Category = "authentication"
	CategoryDecryption           Category = "decryption"
	CategoryUnresolvedIdentifier Category = "unresolved_identifier"
	CategoryPropagation          Category = "propagation"
	CategoryParse                Category = "parse"
	CategoryRejected             Category = "rejected"
)

// Error carries a category and the operation that failed. Messages must not
// contain plaintext identifiers.
type Error struct {
	Category  Category
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Category)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(category Category, op string, err error) *Error {
	return &Error{
		Category:  category,
		Op:        op,
		Retryable: category == CategoryTransientNetwork,
		Err:       err,
	}
}

func Newf(category Category, op string, format string, args ...interface{}) *Error {
	return New(category, op, fmt.Errorf(format, args...))
}

func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

func Is(err error, category Category) bool {
	c, ok := CategoryOf(err)
	return ok && c == category
}

func IsAuthentication(err error) bool { return Is(err, CategoryAuthentication) }

func IsTransient(err error) bool { return Is(err, CategoryTransientNetwork) }

func IsParse(err error) bool { return Is(err, CategoryParse) }

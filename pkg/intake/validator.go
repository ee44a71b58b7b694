package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
)

var (
	errInvalidIdentifier = errors.New("invalid national identifier")
	errInvalidType       = errors.New("invalid identifier type")
	errMissingRegistry   = errors.New("missing registry")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// normalize validates req and fills in the identifier type when absent.
// Error messages never include the identifier itself.
func normalize(req models.IntakeRequest) (models.IntakeRequest, error) {
	req.NationalID = strings.TrimSpace(req.NationalID)
	req.Registry = strings.TrimSpace(req.Registry)
	req.IdentifierType = strings.ToUpper(strings.TrimSpace(req.IdentifierType))

	if len(req.NationalID) != 11 || strings.Trim(req.NationalID, "0123456789") != "" {
		return req, ValidationError{reason: fmt.Errorf("expected 11 digits: %w", errInvalidIdentifier)}
	}
	if req.Registry == "" {
		return req, ValidationError{reason: fmt.Errorf("registry required: %w", errMissingRegistry)}
	}

	switch req.IdentifierType {
	case "":
		req.IdentifierType = InferIdentifierType(req.NationalID)
	case reservation.IdentifierBirthNumber, reservation.IdentifierDNumber, reservation.IdentifierHelpNumber:
	default:
		return req, ValidationError{reason: fmt.Errorf("type %q: %w", req.IdentifierType, errInvalidType)}
	}
	return req, nil
}

// InferIdentifierType classifies an 11-digit identifier: D-numbers add 4 to
// the first digit, help numbers add 4 to the third.
func InferIdentifierType(nationalID string) string {
	switch {
	case len(nationalID) < 3:
		return reservation.IdentifierBirthNumber
	case nationalID[0] >= '4' && nationalID[0] <= '7':
		return reservation.IdentifierDNumber
	case nationalID[2] >= '4' && nationalID[2] <= '5':
		return reservation.IdentifierHelpNumber
	default:
		return reservation.IdentifierBirthNumber
	}
}

// BirthDate derives yyyy-MM-dd from the ddMMyy prefix and the individual
// number. It returns false when the identifier does not encode a valid date.
func BirthDate(nationalID, identifierType string) (string, bool) {
	if len(nationalID) != 11 {
		return "", false
	}
	digits := []byte(nationalID)
	switch identifierType {
	case reservation.IdentifierDNumber:
		digits[0] -= 4
	case reservation.IdentifierHelpNumber:
		digits[2] -= 4
	}
	for _, d := range digits {
		if d < '0' || d > '9' {
			return "", false
		}
	}

	day := atoi(digits[0:2])
	month := atoi(digits[2:4])
	yy := atoi(digits[4:6])
	individual := atoi(digits[6:9])

	var year int
	switch {
	case individual <= 499:
		year = 1900 + yy
	case individual <= 749 && yy >= 54:
		year = 1800 + yy
	case yy <= 39:
		year = 2000 + yy
	case individual >= 900:
		year = 1900 + yy
	default:
		return "", false
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day || int(date.Month()) != month {
		return "", false
	}
	return date.Format("2006-01-02"), true
}

func atoi(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}

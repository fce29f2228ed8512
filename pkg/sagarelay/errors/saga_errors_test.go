package errors_test

import (
	"testing"

	serrors "github.com/coriolis-systems/sagarelay/pkg/sagarelay/errors"
	"github.com/stretchr/testify/assert"
)

func TestCategorize_SagaDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want serrors.Category
	}{
		{"duplicate key", &serrors.DuplicateKeyError{Table: "records", Key: "abc"}, serrors.CategoryPermanent},
		{"concurrency conflict", &serrors.ConcurrencyConflictError{CorrelationID: "abc"}, serrors.CategoryTransient},
		{"unexpected event", &serrors.UnexpectedEventForStateError{CorrelationID: "abc"}, serrors.CategoryPermanent},
		{"deserialization", &serrors.DeserializationError{Target: "x"}, serrors.CategoryPermanent},
		{"persistence", &serrors.PersistenceError{Op: "save"}, serrors.CategoryTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, serrors.Categorize(tc.err))
		})
	}
}

func TestDuplicateKeyError_Error(t *testing.T) {
	err := &serrors.DuplicateKeyError{Table: "records", Key: "rec-1"}
	assert.Contains(t, err.Error(), "rec-1")
	assert.Contains(t, err.Error(), "records")
}

func TestConcurrencyConflictError_Error(t *testing.T) {
	err := &serrors.ConcurrencyConflictError{CorrelationID: "cid", ExpectedVersion: 2, ActualVersion: 3}
	assert.Contains(t, err.Error(), "cid")
	assert.Contains(t, err.Error(), "2")
	assert.Contains(t, err.Error(), "3")
}

package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{Validationf("bad input"), ErrorKindValidation},
		{Conflictf("already taken"), ErrorKindConflict},
		{NotFoundf("missing"), ErrorKindNotFound},
		{Inconsistencyf("data lied"), ErrorKindInconsistency},
		{ErrorRecordNotFound, ErrorKindNotFound},
		{errors.New("plain"), ErrorKindInconsistency},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v) = %s; want %s", tc.err, got, tc.kind)
		}
	}
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("while assigning: %w", Conflictf("serial taken"))
	if got := KindOf(wrapped); got != ErrorKindConflict {
		t.Fatalf("KindOf(wrapped conflict) = %s; want %s", got, ErrorKindConflict)
	}
}

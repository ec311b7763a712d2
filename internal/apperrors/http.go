package apperrors

import (
	"errors"
	"net/http"
)

var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
}

// HTTPStatus maps err to a response status by its sentinel. Anything
// unclassified is a 500.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

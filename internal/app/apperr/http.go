package apperr

import "net/http"

// StatusFor maps an error Kind to the HTTP status the tenant-facing API
// should return for it.
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case KindAttestationFailing:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// StatusForErr is a convenience wrapper combining KindOf and StatusFor.
func StatusForErr(err error) int {
	return StatusFor(KindOf(err))
}

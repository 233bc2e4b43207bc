package http

const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodConnect = "CONNECT"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
	MethodPatch   = "PATCH"
)

// IsIdempotent reports whether repeating the method has the same effect
// as sending it once.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-9.2.2
func IsIdempotent(method string) bool {
	switch method {
	case MethodGet, MethodHead, MethodPut, MethodDelete, MethodOptions, MethodTrace:
		return true
	}
	return false
}

package resolver

import "net/http"

// kind classifies a resolution failure the way §7 of the design taxonomy
// does: by how the HTTP boundary should respond, not by Go type.
type kind int

const (
	kindBadRequest kind = iota
	kindNotYetIndexed
	kindNotFound
)

// httpError carries a kind and a human-readable message to the HTTP
// boundary, which is the only place kind is translated to a status code
// and body, matching the teacher's errHandlerFunc convention of centralizing
// error-to-response translation in one place
// (cmd/distri-repobrowser/repobrowser.go).
type httpError struct {
	kind kind
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error    { return &httpError{kindBadRequest, msg} }
func notYetIndexed(msg string) error { return &httpError{kindNotYetIndexed, msg} }
func notFound(msg string) error      { return &httpError{kindNotFound, msg} }

// notYetIndexedBody is matched verbatim by the reference debuginfod client
// (§6): "the 406 body is plain text containing the substring `File too
// large`".
const notYetIndexedBody = "File too large: build-id indexation is still in progress, try again later"

func (e *httpError) statusAndBody() (int, string) {
	switch e.kind {
	case kindBadRequest:
		return http.StatusBadRequest, e.msg
	case kindNotYetIndexed:
		return http.StatusNotAcceptable, notYetIndexedBody
	case kindNotFound:
		return http.StatusNotFound, e.msg
	default:
		return http.StatusInternalServerError, e.msg
	}
}

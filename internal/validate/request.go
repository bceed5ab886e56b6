package validate

import (
	"io"
	"net/http"
)

// Request is the view of an incoming request that the pipelines validate.
// It is decoupled from *http.Request so tests can construct requests the
// transport itself would reject, such as a non-integer Content-Length.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	// ContentLength is the raw Content-Length header value, empty when
	// the header was absent.
	ContentLength string
}

// NewRequest captures an incoming HTTP request. The body is read in full.
func NewRequest(r *http.Request) (*Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Header:        r.Header,
		Body:          body,
		ContentLength: r.Header.Get("Content-Length"),
	}, nil
}

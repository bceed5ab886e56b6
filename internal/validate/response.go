// Package validate implements the ordered request validation pipelines of
// the management and query APIs, together with the full catalogue of error
// responses they produce. Pipeline failures are not Go errors: the exact
// status, headers and body are the contract, so they are carried as
// ErrorResponse values.
package validate

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result codes returned in JSON bodies.
const (
	ResultSuccess                = "Success"
	ResultTargetCreated          = "TargetCreated"
	ResultAuthenticationFailure  = "AuthenticationFailure"
	ResultRequestTimeTooSkewed   = "RequestTimeTooSkewed"
	ResultTargetNameExist        = "TargetNameExist"
	ResultUnknownTarget          = "UnknownTarget"
	ResultBadImage               = "BadImage"
	ResultImageTooLarge          = "ImageTooLarge"
	ResultMetadataTooLarge       = "MetadataTooLarge"
	ResultFail                   = "Fail"
	ResultTargetStatusProcessing = "TargetStatusProcessing"
	ResultTargetStatusNotSuccess = "TargetStatusNotSuccess"
	ResultProjectInactive        = "ProjectInactive"
	ResultInactiveProject        = "InactiveProject"
)

// ErrorResponse is a fully rendered HTTP error. Header keys are stored with
// the exact case they must appear with on the wire (some are deliberately
// lowercase) and are written to the response without canonicalisation.
type ErrorResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// Write sends the response. Headers the Go server would otherwise add on
// its own (Date, Content-Type sniffing) are suppressed unless the catalogue
// entry carries them.
func (e *ErrorResponse) Write(w http.ResponseWriter) {
	h := w.Header()
	if _, ok := e.Header["Date"]; !ok {
		h["Date"] = nil
	}
	if _, ok := e.Header["Content-Type"]; !ok {
		h["Content-Type"] = nil
	}
	for k, v := range e.Header {
		h[k] = v
	}
	w.WriteHeader(e.StatusCode)
	io.WriteString(w, e.Body)
}

// TransactionID returns a fresh transaction identifier: UUIDv4 as 32 hex
// characters.
func TransactionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func httpDate(now time.Time) string {
	return now.UTC().Format(http.TimeFormat)
}

// compactBody renders the usual JSON error body with compact separators.
func compactBody(resultCode string) string {
	return fmt.Sprintf(`{"transaction_id":"%s","result_code":"%s"}`, TransactionID(), resultCode)
}

// oddBody renders the JSON error body variant with a space after the first
// colon only.
func oddBody(resultCode string) string {
	return fmt.Sprintf(`{"transaction_id": "%s","result_code":"%s"}`, TransactionID(), resultCode)
}

// envoyHeaders is the header set carried by management API error bodies.
// The lowercase keys are intentional.
func envoyHeaders(now time.Time, body string) http.Header {
	return http.Header{
		"Connection":                    {"keep-alive"},
		"Content-Type":                  {"application/json"},
		"server":                        {"envoy"},
		"Date":                          {httpDate(now)},
		"x-envoy-upstream-service-time": {"5"},
		"Content-Length":                {strconv.Itoa(len(body))},
		"strict-transport-security":     {"max-age=31536000"},
		"x-aws-region":                  {"us-east-2, us-west-2"},
		"x-content-type-options":        {"nosniff"},
	}
}

// nginxHeaders is the header set carried by query API error bodies.
func nginxHeaders(now time.Time, contentType, body string) http.Header {
	h := http.Header{
		"Connection":     {"keep-alive"},
		"Server":         {"nginx"},
		"Date":           {httpDate(now)},
		"Content-Length": {strconv.Itoa(len(body))},
	}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}
	return h
}

func envoyError(now time.Time, status int, resultCode string) *ErrorResponse {
	body := compactBody(resultCode)
	return &ErrorResponse{StatusCode: status, Header: envoyHeaders(now, body), Body: body}
}

// --------------------------------------------------------------------------
// Management API responses
// --------------------------------------------------------------------------

// UnknownTarget is the 404 for a target ID that matches no live target.
func UnknownTarget(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusNotFound, ResultUnknownTarget)
}

// ProjectInactive is the 403 for management requests against an inactive
// database.
func ProjectInactive(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusForbidden, ResultProjectInactive)
}

// AuthenticationFailure is the management 401. The WWW-Authenticate
// challenge names the VWS scheme.
func AuthenticationFailure(now time.Time) *ErrorResponse {
	resp := envoyError(now, http.StatusUnauthorized, ResultAuthenticationFailure)
	resp.Header["WWW-Authenticate"] = []string{"VWS"}
	return resp
}

// Fail is the generic management error with the given status code.
func Fail(now time.Time, status int) *ErrorResponse {
	return envoyError(now, status, ResultFail)
}

// MetadataTooLarge is the 422 for oversized application metadata.
func MetadataTooLarge(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusUnprocessableEntity, ResultMetadataTooLarge)
}

// TargetNameExist is the 403 for a name collision.
func TargetNameExist(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusForbidden, ResultTargetNameExist)
}

// BadImage is the management 422 for an unusable image.
func BadImage(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusUnprocessableEntity, ResultBadImage)
}

// ImageTooLarge is the 422 for an oversized image.
func ImageTooLarge(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusUnprocessableEntity, ResultImageTooLarge)
}

// RequestTimeTooSkewed is the management 403 for a Date header outside the
// accepted window.
func RequestTimeTooSkewed(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusForbidden, ResultRequestTimeTooSkewed)
}

// TargetStatusProcessing is the 403 for deleting a target that is still
// processing.
func TargetStatusProcessing(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusForbidden, ResultTargetStatusProcessing)
}

// TargetStatusNotSuccess is the 403 for updating a target that has not
// reached the success status.
func TargetStatusNotSuccess(now time.Time) *ErrorResponse {
	return envoyError(now, http.StatusForbidden, ResultTargetStatusNotSuccess)
}

// UnnecessaryRequestBody is the empty 400 for a body on a method that takes
// none. The header set is unusually small and has no Content-Type.
func UnnecessaryRequestBody(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header: http.Header{
			"server":                        {"envoy"},
			"Date":                          {httpDate(now)},
			"x-envoy-upstream-service-time": {"5"},
			"Content-Length":                {"0"},
		},
	}
}

// contentLengthNotIntBody is the load balancer's own 400 page, with CRLF
// line endings.
const contentLengthNotIntBody = "<html>\r\n" +
	"<head><title>400 Bad Request</title></head>\r\n" +
	"<body>\r\n" +
	"<center><h1>400 Bad Request</h1></center>\r\n" +
	"</body>\r\n" +
	"</html>\r\n"

// ContentLengthNotInt is the management 400 for a non-integer
// Content-Length header.
func ContentLengthNotInt(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header: http.Header{
			"Connection":     {"close"},
			"Content-Length": {strconv.Itoa(len(contentLengthNotIntBody))},
			"Date":           {httpDate(now)},
			"Server":         {"awselb/2.0"},
			"Content-Type":   {"text/html"},
		},
		Body: contentLengthNotIntBody,
	}
}

// ContentLengthTooLarge is the management 408 sent when the declared
// Content-Length exceeds the body actually received and the gateway gives
// up waiting for the rest.
func ContentLengthTooLarge(now time.Time) *ErrorResponse {
	const body = "stream timeout"
	return &ErrorResponse{
		StatusCode: http.StatusRequestTimeout,
		Header: http.Header{
			"Content-Length": {strconv.Itoa(len(body))},
			"Date":           {httpDate(now)},
			"server":         {"envoy"},
			"Content-Type":   {"text/plain"},
			"Connection":     {"close"},
		},
		Body: body,
	}
}

// oopsBody stands in for the application server's own error page.
const oopsBody = "<!DOCTYPE html>\n" +
	"<html>\n" +
	"<head><title>Oops, an error occurred</title></head>\n" +
	"<body>\n" +
	"<h1>Oops, an error occurred</h1>\n" +
	"<p>This exception has been logged.</p>\n" +
	"</body>\n" +
	"</html>\n"

// OopsError is the management 500 HTML page, produced by a target name
// containing code points above the basic multilingual plane on creation.
func OopsError(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Header: http.Header{
			"Connection":     {"keep-alive"},
			"Content-Type":   {"text/html; charset=UTF-8"},
			"server":         {"envoy"},
			"Date":           {httpDate(now)},
			"Content-Length": {strconv.Itoa(len(oopsBody))},
		},
		Body: oopsBody,
	}
}

// --------------------------------------------------------------------------
// Query API responses
// --------------------------------------------------------------------------

// DateHeaderNotGiven is the query 400 for a missing Date header.
func DateHeaderNotGiven(now time.Time) *ErrorResponse {
	const body = "Date header required."
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "text/plain;charset=iso-8859-1", body),
		Body:       body,
	}
}

// DateFormatNotValid is the query 401 for an unparseable Date header.
func DateFormatNotValid(now time.Time) *ErrorResponse {
	const body = "Malformed date header."
	resp := &ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		Header:     nginxHeaders(now, "text/plain;charset=iso-8859-1", body),
		Body:       body,
	}
	resp.Header["WWW-Authenticate"] = []string{"KWS"}
	return resp
}

// RequestTimeTooSkewedQuery is the query 403 for a Date header outside the
// accepted window.
func RequestTimeTooSkewedQuery(now time.Time) *ErrorResponse {
	body := compactBody(ResultRequestTimeTooSkewed)
	return &ErrorResponse{
		StatusCode: http.StatusForbidden,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// BadImageQuery is the query 422. The body separators are unusual: a space
// after the first colon only.
func BadImageQuery(now time.Time) *ErrorResponse {
	body := oddBody(ResultBadImage)
	return &ErrorResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// AuthenticationFailureQuery is the query 401 for a signature that matches
// no database.
func AuthenticationFailureQuery(now time.Time) *ErrorResponse {
	body := compactBody(ResultAuthenticationFailure)
	resp := &ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
	resp.Header["WWW-Authenticate"] = []string{"VWS"}
	return resp
}

// AuthenticationFailureGoodFormatting is the query 401 raised for a
// truncated body breaking the signature.
func AuthenticationFailureGoodFormatting(now time.Time) *ErrorResponse {
	return AuthenticationFailureQuery(now)
}

// ImageNotGiven is the query 400 for a missing image part. The Content-Type
// claims JSON although the body is plain text.
func ImageNotGiven(now time.Time) *ErrorResponse {
	const body = "No image."
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// AuthHeaderMissing is the query 401 for a missing Authorization header.
func AuthHeaderMissing(now time.Time) *ErrorResponse {
	const body = "Authorization header missing."
	resp := &ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		Header:     nginxHeaders(now, "text/plain;charset=iso-8859-1", body),
		Body:       body,
	}
	resp.Header["WWW-Authenticate"] = []string{"KWS"}
	return resp
}

// MalformedAuthHeader is the query 401 for an Authorization header that is
// not shaped "<scheme> <token>".
func MalformedAuthHeader(now time.Time) *ErrorResponse {
	const body = "Malformed authorization header."
	resp := &ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		Header:     nginxHeaders(now, "text/plain;charset=iso-8859-1", body),
		Body:       body,
	}
	resp.Header["WWW-Authenticate"] = []string{"KWS"}
	return resp
}

// UnknownParameters is the query 400 for unexpected form parts.
func UnknownParameters(now time.Time) *ErrorResponse {
	const body = "Unknown parameters in the request."
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// InactiveProject is the query 403 for an inactive database, with the
// odd-separator body.
func InactiveProject(now time.Time) *ErrorResponse {
	body := oddBody(ResultInactiveProject)
	return &ErrorResponse{
		StatusCode: http.StatusForbidden,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// InvalidMaxNumResults is the query 400 for a max_num_results value that is
// not an acceptable integer.
func InvalidMaxNumResults(now time.Time, givenValue string) *ErrorResponse {
	body := fmt.Sprintf(
		"Invalid value '%s' in form data part 'max_result'. "+
			"Expecting integer value in range from 1 to 50 (inclusive).",
		givenValue,
	)
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// MaxNumResultsOutOfRange is the query 400 for a max_num_results integer
// outside 1..50.
func MaxNumResultsOutOfRange(now time.Time, givenValue string) *ErrorResponse {
	body := fmt.Sprintf(
		"Integer out of range (%s) in form data part 'max_result'. "+
			"Accepted range is from 1 to 50 (inclusive).",
		givenValue,
	)
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// InvalidIncludeTargetData is the query 400 for an include_target_data
// value outside top/all/none.
func InvalidIncludeTargetData(now time.Time, givenValue string) *ErrorResponse {
	body := fmt.Sprintf(
		"Invalid value '%s' in form data part 'include_target_data'. "+
			"Expecting one of the (unquoted) string values 'all', 'none' or 'top'.",
		strings.ToLower(givenValue),
	)
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// UnsupportedMediaType is the empty query 415 for a Content-Type that is
// not multipart/form-data. No Content-Type is sent back.
func UnsupportedMediaType(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusUnsupportedMediaType,
		Header:     nginxHeaders(now, "", ""),
	}
}

// InvalidAcceptHeader is the empty query 406. No Content-Type is sent back.
func InvalidAcceptHeader(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusNotAcceptable,
		Header:     nginxHeaders(now, "", ""),
	}
}

// NoBoundaryFound is the query 500 for a multipart Content-Type without a
// boundary parameter.
func NoBoundaryFound(now time.Time) *ErrorResponse {
	const body = "RESTEASY007550: Unable to get boundary for multipart"
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Header:     nginxHeaders(now, "application/json", body),
		Body:       body,
	}
}

// ContentLengthTooLargeQuery is the empty query 504 for a declared
// Content-Length beyond the body actually received. No Date header.
func ContentLengthTooLargeQuery(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusGatewayTimeout,
		Header: http.Header{
			"Connection":     {"keep-alive"},
			"Content-Length": {"0"},
		},
	}
}

// ContentLengthNotIntQuery is the empty query 400 for a non-integer
// Content-Length header. No Date header; note the capitalised "Close".
func ContentLengthNotIntQuery(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header: http.Header{
			"Connection":     {"Close"},
			"Content-Length": {"0"},
		},
	}
}

// requestEntityTooLargeBody is nginx's own 413 page, with CRLF line
// endings.
const requestEntityTooLargeBody = "<html>\r\n" +
	"<head><title>413 Request Entity Too Large</title></head>\r\n" +
	"<body>\r\n" +
	"<center><h1>413 Request Entity Too Large</h1></center>\r\n" +
	"<hr><center>nginx</center>\r\n" +
	"</body>\r\n" +
	"</html>\r\n"

// RequestEntityTooLarge is the query 413 for an image file over the size
// limit.
func RequestEntityTooLarge(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusRequestEntityTooLarge,
		Header: http.Header{
			"Connection":     {"Close"},
			"Date":           {httpDate(now)},
			"Server":         {"nginx"},
			"Content-Type":   {"text/html"},
			"Content-Length": {strconv.Itoa(len(requestEntityTooLargeBody))},
		},
		Body: requestEntityTooLargeBody,
	}
}

// noContentTypeBody is the Jetty error page returned for an empty
// Content-Type, Unix line endings, blank line before the closing body tag.
const noContentTypeBody = "<html>\n" +
	"<head>\n" +
	"<meta http-equiv=\"Content-Type\" content=\"text/html;charset=ISO-8859-1\"/>\n" +
	"<title>Error 400 Bad Request</title>\n" +
	"</head>\n" +
	"<body>\n" +
	"<h2>HTTP ERROR 400 Bad Request</h2>\n" +
	"<table>\n" +
	"<tr><th>URI:</th><td>http://cloudreco.vuforia.com/v1/query</td></tr>\n" +
	"<tr><th>STATUS:</th><td>400</td></tr>\n" +
	"<tr><th>MESSAGE:</th><td>Bad Request</td></tr>\n" +
	"</table>\n" +
	"<hr/><a href=\"https://jetty.org/\">Powered by Jetty:// 12.0.20</a><hr/>\n" +
	"\n" +
	"</body>\n" +
	"</html>\n"

// NoContentType is the query 400 for a missing or empty Content-Type.
func NoContentType(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Header: http.Header{
			"Connection":     {"keep-alive"},
			"Content-Type":   {"text/html;charset=iso-8859-1"},
			"Server":         {"nginx"},
			"Cache-Control":  {"must-revalidate,no-cache,no-store"},
			"Date":           {httpDate(now)},
			"Content-Length": {strconv.Itoa(len(noContentTypeBody))},
		},
		Body: noContentTypeBody,
	}
}

// transientErrorBody stands in for the varying HTML page the real service
// returns for its own transient failures.
const transientErrorBody = "<html>\n" +
	"<head><title>Error</title></head>\n" +
	"<body>\n" +
	"<h1>Internal Server Error</h1>\n" +
	"</body>\n" +
	"</html>\n"

// QueryOutOfBounds is the query 500 HTML response for an Authorization
// token without a signature.
func QueryOutOfBounds(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Header: http.Header{
			"Content-Type":   {"text/html; charset=ISO-8859-1"},
			"Cache-Control":  {"must-revalidate,no-cache,no-store"},
			"Date":           {httpDate(now)},
			"Content-Length": {strconv.Itoa(len(transientErrorBody))},
		},
		Body: transientErrorBody,
	}
}

// MatchProcessing is the query 500 HTML response produced when the query
// image matches a target that is processing or recently deleted.
func MatchProcessing(now time.Time) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Header: http.Header{
			"Content-Type":   {"text/html; charset=ISO-8859-1"},
			"Cache-Control":  {"must-revalidate,no-cache,no-store"},
			"Date":           {httpDate(now)},
			"Content-Length": {strconv.Itoa(len(transientErrorBody))},
		},
		Body: transientErrorBody,
	}
}

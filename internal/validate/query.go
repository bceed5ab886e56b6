package validate

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/vwsmock/vwsmock/internal/imagecheck"
	"github.com/vwsmock/vwsmock/internal/store"
	"github.com/vwsmock/vwsmock/internal/vwsauth"
)

// queryDateLayouts are the Date formats the query API accepts, each with
// and without a trailing " GMT".
var queryDateLayouts = []string{
	"Mon, Jan 2 15:04:05 2006",
	"Mon Jan 2 15:04:05 2006",
	"Mon, 2 Jan 2006 15:04:05",
	"Mon 2 Jan 2006 15:04:05",
	"Mon, Jan 2 15:04:05 2006 GMT",
	"Mon Jan 2 15:04:05 2006 GMT",
	"Mon, 2 Jan 2006 15:04:05 GMT",
	"Mon 2 Jan 2006 15:04:05 GMT",
}

// maxQueryImageBytes is the query image file size limit.
const maxQueryImageBytes = 2 * 1024 * 1024

// maxImageDimension is the maximum width or height of a query image.
const maxImageDimension = 30000

// javaMaxInt bounds max_num_results parsing.
const javaMaxInt = 2147483647

// QueryParams are the validated inputs of a query request.
type QueryParams struct {
	Image             []byte
	MaxNumResults     int
	IncludeTargetData string
}

// QueryPipeline validates query API requests.
type QueryPipeline struct {
	Manager *store.TargetManager
	Now     func() time.Time
}

type queryContext struct {
	req       *Request
	now       time.Time
	databases []*store.Database
	database  *store.Database
	parts     map[string][]string
}

type queryCheck func(ctx *queryContext) *ErrorResponse

// Run validates the request. On success it returns the database the
// signature resolved to and the parsed query parameters.
func (p *QueryPipeline) Run(req *Request) (*store.Database, *QueryParams, *ErrorResponse) {
	ctx := &queryContext{
		req:       req,
		now:       p.Now(),
		databases: p.Manager.Databases(),
	}

	checks := []queryCheck{
		checkQueryContentLengthIsInt,
		checkQueryContentLengthNotTooLarge,
		checkQueryContentLengthNotTooSmall,
		checkQueryAuthHeaderExists,
		checkQueryAuthHeaderNumberOfParts,
		checkQueryAuthHeaderHasSignature,
		checkQueryClientKeyExists,
		checkQueryAuthorization,
		checkQueryProjectState,
		checkQueryAcceptHeader,
		checkQueryContentType,
		checkQueryExtraFields,
		checkQueryImageGiven,
		checkQueryImageIsImage,
		checkQueryImageFormat,
		checkQueryImageDimensions,
		checkQueryImageFileSize,
		checkQueryMaxNumResults,
		checkQueryIncludeTargetData,
		checkQueryDateGiven,
		checkQueryDateFormat,
		checkQueryDateInRange,
	}
	for _, check := range checks {
		if resp := check(ctx); resp != nil {
			return nil, nil, resp
		}
	}

	maxNumResults, _ := strconv.Atoi(ctx.formValue("max_num_results", "1"))
	params := &QueryParams{
		Image:             []byte(ctx.parts["image"][0]),
		MaxNumResults:     maxNumResults,
		IncludeTargetData: strings.ToLower(ctx.formValue("include_target_data", "top")),
	}
	return ctx.database, params, nil
}

func (ctx *queryContext) formValue(name, fallback string) string {
	values := ctx.parts[name]
	if len(values) == 0 {
		return fallback
	}
	return values[0]
}

func checkQueryContentLengthIsInt(ctx *queryContext) *ErrorResponse {
	raw := ctx.req.ContentLength
	if raw == "" {
		return nil
	}
	if _, err := strconv.Atoi(strings.TrimSpace(raw)); err != nil {
		return ContentLengthNotIntQuery(ctx.now)
	}
	return nil
}

func checkQueryContentLengthNotTooLarge(ctx *queryContext) *ErrorResponse {
	raw := ctx.req.ContentLength
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && n > len(ctx.req.Body) {
		return ContentLengthTooLargeQuery(ctx.now)
	}
	return nil
}

func checkQueryContentLengthNotTooSmall(ctx *queryContext) *ErrorResponse {
	raw := ctx.req.ContentLength
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && n < len(ctx.req.Body) {
		return AuthenticationFailureGoodFormatting(ctx.now)
	}
	return nil
}

func checkQueryAuthHeaderExists(ctx *queryContext) *ErrorResponse {
	if _, ok := ctx.req.Header["Authorization"]; !ok {
		return AuthHeaderMissing(ctx.now)
	}
	return nil
}

func checkQueryAuthHeaderNumberOfParts(ctx *queryContext) *ErrorResponse {
	header := ctx.req.Header.Get("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) == 2 && parts[1] != "" {
		return nil
	}
	return MalformedAuthHeader(ctx.now)
}

func checkQueryAuthHeaderHasSignature(ctx *queryContext) *ErrorResponse {
	header := ctx.req.Header.Get("Authorization")
	if strings.Count(header, ":") == 1 && strings.SplitN(header, ":", 2)[1] != "" {
		return nil
	}
	return QueryOutOfBounds(ctx.now)
}

func checkQueryClientKeyExists(ctx *queryContext) *ErrorResponse {
	header := ctx.req.Header.Get("Authorization")
	firstPart := strings.SplitN(header, ":", 2)[0]
	parts := strings.Split(firstPart, " ")
	if len(parts) != 2 {
		return AuthenticationFailureQuery(ctx.now)
	}
	accessKey := parts[1]
	for _, db := range ctx.databases {
		if db.ClientAccessKey == accessKey {
			return nil
		}
	}
	return AuthenticationFailureQuery(ctx.now)
}

func checkQueryAuthorization(ctx *queryContext) *ErrorResponse {
	db := vwsauth.Resolve(
		ctx.databases,
		vwsauth.ClientKeys,
		ctx.req.Header.Get("Authorization"),
		ctx.req.Method,
		ctx.req.Body,
		ctx.req.Header.Get("Content-Type"),
		ctx.req.Header.Get("Date"),
		ctx.req.Path,
	)
	if db == nil {
		return AuthenticationFailureQuery(ctx.now)
	}
	ctx.database = db
	return nil
}

func checkQueryProjectState(ctx *queryContext) *ErrorResponse {
	if ctx.database.State != store.StateWorking {
		return InactiveProject(ctx.now)
	}
	return nil
}

func checkQueryAcceptHeader(ctx *queryContext) *ErrorResponse {
	switch ctx.req.Header.Get("Accept") {
	case "", "*/*", "application/json":
		return nil
	default:
		return InvalidAcceptHeader(ctx.now)
	}
}

// checkQueryContentType validates the Content-Type and, once the boundary
// is known good, parses the multipart body into ctx.parts.
func checkQueryContentType(ctx *queryContext) *ErrorResponse {
	raw := ctx.req.Header.Get("Content-Type")
	if raw == "" {
		return NoContentType(ctx.now)
	}
	if strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]) != "multipart/form-data" {
		return UnsupportedMediaType(ctx.now)
	}
	_, params, err := mime.ParseMediaType(raw)
	boundary := ""
	if err == nil {
		boundary = params["boundary"]
	}
	if boundary == "" {
		return NoBoundaryFound(ctx.now)
	}
	if !bytes.Contains(ctx.req.Body, []byte(boundary)) {
		return ImageNotGiven(ctx.now)
	}

	ctx.parts = map[string][]string{}
	reader := multipart.NewReader(bytes.NewReader(ctx.req.Body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		data, err := io.ReadAll(part)
		if err != nil {
			break
		}
		name := part.FormName()
		ctx.parts[name] = append(ctx.parts[name], string(data))
	}
	return nil
}

func checkQueryExtraFields(ctx *queryContext) *ErrorResponse {
	known := map[string]bool{
		"image":               true,
		"max_num_results":     true,
		"include_target_data": true,
	}
	for name := range ctx.parts {
		if !known[name] {
			return UnknownParameters(ctx.now)
		}
	}
	return nil
}

func checkQueryImageGiven(ctx *queryContext) *ErrorResponse {
	if len(ctx.parts["image"]) == 0 {
		return ImageNotGiven(ctx.now)
	}
	return nil
}

func (ctx *queryContext) image() []byte {
	return []byte(ctx.parts["image"][0])
}

func checkQueryImageIsImage(ctx *queryContext) *ErrorResponse {
	if _, _, err := imagecheck.Decode(ctx.image()); err != nil {
		return BadImageQuery(ctx.now)
	}
	return nil
}

func checkQueryImageFormat(ctx *queryContext) *ErrorResponse {
	_, format, err := imagecheck.Decode(ctx.image())
	if err != nil {
		return nil
	}
	if !imagecheck.FormatAllowed(format) {
		return BadImageQuery(ctx.now)
	}
	return nil
}

func checkQueryImageDimensions(ctx *queryContext) *ErrorResponse {
	config, _, err := imagecheck.DecodeConfig(ctx.image())
	if err != nil {
		return nil
	}
	if config.Width > maxImageDimension || config.Height > maxImageDimension {
		return BadImageQuery(ctx.now)
	}
	return nil
}

func checkQueryImageFileSize(ctx *queryContext) *ErrorResponse {
	if len(ctx.image()) > maxQueryImageBytes {
		return RequestEntityTooLarge(ctx.now)
	}
	return nil
}

func checkQueryMaxNumResults(ctx *queryContext) *ErrorResponse {
	value := ctx.formValue("max_num_results", "1")
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n > javaMaxInt {
		return InvalidMaxNumResults(ctx.now, value)
	}
	if n < 1 || n > 50 {
		return MaxNumResultsOutOfRange(ctx.now, value)
	}
	return nil
}

func checkQueryIncludeTargetData(ctx *queryContext) *ErrorResponse {
	value := ctx.formValue("include_target_data", "top")
	switch strings.ToLower(value) {
	case "top", "all", "none":
		return nil
	default:
		return InvalidIncludeTargetData(ctx.now, value)
	}
}

func checkQueryDateGiven(ctx *queryContext) *ErrorResponse {
	if ctx.req.Header.Get("Date") == "" {
		return DateHeaderNotGiven(ctx.now)
	}
	return nil
}

func parseQueryDate(value string) (time.Time, bool) {
	for _, layout := range queryDateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func checkQueryDateFormat(ctx *queryContext) *ErrorResponse {
	if _, ok := parseQueryDate(ctx.req.Header.Get("Date")); !ok {
		return DateFormatNotValid(ctx.now)
	}
	return nil
}

func checkQueryDateInRange(ctx *queryContext) *ErrorResponse {
	date, ok := parseQueryDate(ctx.req.Header.Get("Date"))
	if !ok {
		return nil
	}
	skew := ctx.now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew >= 65*time.Minute {
		return RequestTimeTooSkewedQuery(ctx.now)
	}
	return nil
}

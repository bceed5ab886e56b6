package validate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vwsmock/vwsmock/internal/imagecheck"
	"github.com/vwsmock/vwsmock/internal/store"
	"github.com/vwsmock/vwsmock/internal/vwsauth"
)

// servicesDateLayout is the only Date format the management API accepts.
const servicesDateLayout = "Mon, 2 Jan 2006 15:04:05 GMT"

// maxMetadataBytes is the decoded application metadata limit.
const maxMetadataBytes = 1024*1024 - 1

// maxImageBytes is the decoded image limit for uploads.
const maxImageBytes = 2359293

// ServicesPipeline validates management API requests. Checks run in a fixed
// order and the first failure decides the response.
type ServicesPipeline struct {
	Manager *store.TargetManager
	Now     func() time.Time
}

type servicesContext struct {
	req       *Request
	now       time.Time
	databases []*store.Database
	database  *store.Database
	fields    map[string]json.RawMessage
}

type servicesCheck func(ctx *servicesContext) *ErrorResponse

// Run validates the request. On success it returns the database the
// request's signature resolved to.
func (p *ServicesPipeline) Run(req *Request) (*store.Database, *ErrorResponse) {
	ctx := &servicesContext{
		req:       req,
		now:       p.Now(),
		databases: p.Manager.Databases(),
	}

	checks := []servicesCheck{
		checkAuthHeaderExists,
		checkAuthHeaderHasSignature,
		checkAccessKeyExists,
		checkAuthorization,
		checkProjectState,
		checkTargetIDExists,
		checkJSON,
		checkKeys,
		checkMetadataType,
		checkMetadataEncoding,
		checkMetadataSize,
		checkActiveFlag,
		checkImageType,
		checkImageEncoding,
		checkImageIsImage,
		checkImageFormat,
		checkImageColorSpace,
		checkImageSize,
		checkNameType,
		checkNameLength,
		checkNameCharactersInRange,
		checkNameUniqueNewTarget,
		checkNameUniqueExistingTarget,
		checkWidth,
		checkContentTypeGiven,
		checkDateGiven,
		checkDateFormat,
		checkDateInRange,
		checkContentLengthIsInt,
		checkContentLengthNotTooLarge,
		checkContentLengthNotTooSmall,
	}
	for _, check := range checks {
		if resp := check(ctx); resp != nil {
			return nil, resp
		}
	}
	return ctx.database, nil
}

func checkAuthHeaderExists(ctx *servicesContext) *ErrorResponse {
	if ctx.req.Header.Get("Authorization") == "" {
		return AuthenticationFailure(ctx.now)
	}
	return nil
}

func checkAuthHeaderHasSignature(ctx *servicesContext) *ErrorResponse {
	header := ctx.req.Header.Get("Authorization")
	if strings.Count(header, ":") == 1 && strings.SplitN(header, ":", 2)[1] != "" {
		return nil
	}
	return Fail(ctx.now, http.StatusBadRequest)
}

func checkAccessKeyExists(ctx *servicesContext) *ErrorResponse {
	header := ctx.req.Header.Get("Authorization")
	firstPart := strings.SplitN(header, ":", 2)[0]
	parts := strings.Split(firstPart, " ")
	if len(parts) != 2 {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	accessKey := parts[1]
	for _, db := range ctx.databases {
		if db.ServerAccessKey == accessKey {
			return nil
		}
	}
	return Fail(ctx.now, http.StatusBadRequest)
}

func checkAuthorization(ctx *servicesContext) *ErrorResponse {
	db := vwsauth.Resolve(
		ctx.databases,
		vwsauth.ServerKeys,
		ctx.req.Header.Get("Authorization"),
		ctx.req.Method,
		ctx.req.Body,
		ctx.req.Header.Get("Content-Type"),
		ctx.req.Header.Get("Date"),
		ctx.req.Path,
	)
	if db == nil {
		return AuthenticationFailure(ctx.now)
	}
	ctx.database = db
	return nil
}

func checkProjectState(ctx *servicesContext) *ErrorResponse {
	if ctx.database.State == store.StateWorking {
		return nil
	}
	// Most reads still work on an inactive database; the duplicates check
	// does not.
	if ctx.req.Method == http.MethodGet && !strings.Contains(ctx.req.Path, "duplicates") {
		return nil
	}
	return ProjectInactive(ctx.now)
}

func checkTargetIDExists(ctx *servicesContext) *ErrorResponse {
	parts := strings.Split(ctx.req.Path, "/")
	if len(parts) == 2 {
		return nil
	}
	targetID := parts[len(parts)-1]
	if ctx.database.FindNotDeleted(targetID) != nil {
		return nil
	}
	return UnknownTarget(ctx.now)
}

func checkJSON(ctx *servicesContext) *ErrorResponse {
	if len(ctx.req.Body) == 0 {
		ctx.fields = map[string]json.RawMessage{}
		return nil
	}
	if ctx.req.Method != http.MethodPost && ctx.req.Method != http.MethodPut {
		return UnnecessaryRequestBody(ctx.now)
	}
	if err := json.Unmarshal(ctx.req.Body, &ctx.fields); err != nil {
		ctx.fields = map[string]json.RawMessage{}
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkKeys(ctx *servicesContext) *ErrorResponse {
	parts := strings.Split(ctx.req.Path, "/")
	var mandatory, optional []string
	switch {
	case ctx.req.Method == http.MethodPost && ctx.req.Path == "/targets":
		mandatory = []string{"image", "width", "name"}
		optional = []string{"active_flag", "application_metadata"}
	case ctx.req.Method == http.MethodPut && len(parts) == 3 && parts[1] == "targets":
		optional = []string{"active_flag", "application_metadata", "image", "name", "width"}
	}

	allowed := map[string]bool{}
	for _, k := range mandatory {
		allowed[k] = true
	}
	for _, k := range optional {
		allowed[k] = true
	}

	for k := range ctx.fields {
		if !allowed[k] {
			return Fail(ctx.now, http.StatusBadRequest)
		}
	}
	for _, k := range mandatory {
		if _, ok := ctx.fields[k]; !ok {
			return Fail(ctx.now, http.StatusBadRequest)
		}
	}
	return nil
}

// stringField decodes a JSON field as a string. It reports whether the
// field is present and whether it is a string or null.
func (ctx *servicesContext) stringField(name string) (value *string, present, valid bool) {
	raw, ok := ctx.fields[name]
	if !ok {
		return nil, false, true
	}
	if string(raw) == "null" {
		return nil, true, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, true, false
	}
	return &s, true, true
}

func checkMetadataType(ctx *servicesContext) *ErrorResponse {
	if _, _, valid := ctx.stringField("application_metadata"); !valid {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkMetadataEncoding(ctx *servicesContext) *ErrorResponse {
	value, _, _ := ctx.stringField("application_metadata")
	if value == nil {
		return nil
	}
	if _, err := DecodeBase64(*value); err != nil {
		return Fail(ctx.now, http.StatusUnprocessableEntity)
	}
	return nil
}

func checkMetadataSize(ctx *servicesContext) *ErrorResponse {
	value, _, _ := ctx.stringField("application_metadata")
	if value == nil {
		return nil
	}
	decoded, err := DecodeBase64(*value)
	if err != nil {
		return nil
	}
	if len(decoded) > maxMetadataBytes {
		return MetadataTooLarge(ctx.now)
	}
	return nil
}

func checkActiveFlag(ctx *servicesContext) *ErrorResponse {
	raw, ok := ctx.fields["active_flag"]
	if !ok || string(raw) == "null" {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

// imageField returns the decoded image bytes, or nil when absent or not
// yet decodable. Earlier checks have already rejected bad values by the
// time later checks ask for the bytes.
func (ctx *servicesContext) imageField() []byte {
	value, _, _ := ctx.stringField("image")
	if value == nil {
		return nil
	}
	decoded, err := DecodeBase64(*value)
	if err != nil {
		return nil
	}
	return decoded
}

func checkImageType(ctx *servicesContext) *ErrorResponse {
	value, present, valid := ctx.stringField("image")
	if !present {
		return nil
	}
	if !valid || value == nil {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkImageEncoding(ctx *servicesContext) *ErrorResponse {
	value, _, _ := ctx.stringField("image")
	if value == nil {
		return nil
	}
	if _, err := DecodeBase64(*value); err != nil {
		return Fail(ctx.now, http.StatusUnprocessableEntity)
	}
	return nil
}

func checkImageIsImage(ctx *servicesContext) *ErrorResponse {
	image := ctx.imageField()
	if image == nil {
		return nil
	}
	if _, _, err := imagecheck.Decode(image); err != nil {
		return BadImage(ctx.now)
	}
	return nil
}

func checkImageFormat(ctx *servicesContext) *ErrorResponse {
	image := ctx.imageField()
	if image == nil {
		return nil
	}
	_, format, err := imagecheck.Decode(image)
	if err != nil {
		return nil
	}
	if !imagecheck.FormatAllowed(format) {
		return BadImage(ctx.now)
	}
	return nil
}

func checkImageColorSpace(ctx *servicesContext) *ErrorResponse {
	image := ctx.imageField()
	if image == nil {
		return nil
	}
	decoded, _, err := imagecheck.Decode(image)
	if err != nil {
		return nil
	}
	if !imagecheck.ColorModeAllowed(decoded) {
		return BadImage(ctx.now)
	}
	return nil
}

func checkImageSize(ctx *servicesContext) *ErrorResponse {
	image := ctx.imageField()
	if image == nil {
		return nil
	}
	if len(image) > maxImageBytes {
		return ImageTooLarge(ctx.now)
	}
	return nil
}

func checkNameType(ctx *servicesContext) *ErrorResponse {
	value, present, valid := ctx.stringField("name")
	if !present {
		return nil
	}
	if !valid || value == nil {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkNameLength(ctx *servicesContext) *ErrorResponse {
	value, _, _ := ctx.stringField("name")
	if value == nil {
		return nil
	}
	length := utf8.RuneCountInString(*value)
	if length >= 1 && length < 65 {
		return nil
	}
	return Fail(ctx.now, http.StatusBadRequest)
}

func checkNameCharactersInRange(ctx *servicesContext) *ErrorResponse {
	value, _, _ := ctx.stringField("name")
	if value == nil {
		return nil
	}
	for _, r := range *value {
		if r > 0xFFFF {
			if ctx.req.Method == http.MethodPost && ctx.req.Path == "/targets" {
				return OopsError(ctx.now)
			}
			return TargetNameExist(ctx.now)
		}
	}
	return nil
}

func checkNameUniqueNewTarget(ctx *servicesContext) *ErrorResponse {
	if len(strings.Split(ctx.req.Path, "/")) != 2 {
		return nil
	}
	value, _, _ := ctx.stringField("name")
	if value == nil {
		return nil
	}
	for _, t := range ctx.database.NotDeletedTargets() {
		if t.Name == *value {
			return TargetNameExist(ctx.now)
		}
	}
	return nil
}

func checkNameUniqueExistingTarget(ctx *servicesContext) *ErrorResponse {
	parts := strings.Split(ctx.req.Path, "/")
	if len(parts) != 3 {
		return nil
	}
	targetID := parts[len(parts)-1]
	value, _, _ := ctx.stringField("name")
	if value == nil {
		return nil
	}
	for _, t := range ctx.database.NotDeletedTargets() {
		if t.ID != targetID && t.Name == *value {
			return TargetNameExist(ctx.now)
		}
	}
	return nil
}

func checkWidth(ctx *servicesContext) *ErrorResponse {
	raw, ok := ctx.fields["width"]
	if !ok {
		return nil
	}
	var width float64
	if err := json.Unmarshal(raw, &width); err != nil || width <= 0 {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkContentTypeGiven(ctx *servicesContext) *ErrorResponse {
	if ctx.req.Method != http.MethodPost && ctx.req.Method != http.MethodPut {
		return nil
	}
	if ctx.req.Header.Get("Content-Type") == "" {
		return AuthenticationFailure(ctx.now)
	}
	return nil
}

func checkDateGiven(ctx *servicesContext) *ErrorResponse {
	if ctx.req.Header.Get("Date") == "" {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkDateFormat(ctx *servicesContext) *ErrorResponse {
	if _, err := time.Parse(servicesDateLayout, ctx.req.Header.Get("Date")); err != nil {
		return Fail(ctx.now, http.StatusBadRequest)
	}
	return nil
}

func checkDateInRange(ctx *servicesContext) *ErrorResponse {
	date, err := time.Parse(servicesDateLayout, ctx.req.Header.Get("Date"))
	if err != nil {
		return nil
	}
	skew := ctx.now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew >= 5*time.Minute {
		return RequestTimeTooSkewed(ctx.now)
	}
	return nil
}

// declaredContentLength parses the declared Content-Length, defaulting to
// the actual body length when the header is absent.
func (ctx *servicesContext) declaredContentLength() (int, bool) {
	raw := ctx.req.ContentLength
	if raw == "" {
		return len(ctx.req.Body), true
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func checkContentLengthIsInt(ctx *servicesContext) *ErrorResponse {
	if _, ok := ctx.declaredContentLength(); !ok {
		return ContentLengthNotInt(ctx.now)
	}
	return nil
}

func checkContentLengthNotTooLarge(ctx *servicesContext) *ErrorResponse {
	n, ok := ctx.declaredContentLength()
	if ok && n > len(ctx.req.Body) {
		return ContentLengthTooLarge(ctx.now)
	}
	return nil
}

func checkContentLengthNotTooSmall(ctx *servicesContext) *ErrorResponse {
	n, ok := ctx.declaredContentLength()
	if ok && n < len(ctx.req.Body) {
		return AuthenticationFailure(ctx.now)
	}
	return nil
}

package vws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vwsmock/vwsmock/internal/match"
	"github.com/vwsmock/vwsmock/internal/metrics"
	"github.com/vwsmock/vwsmock/internal/rate"
	"github.com/vwsmock/vwsmock/internal/store"
	"github.com/vwsmock/vwsmock/internal/vwsauth"
)

const dateLayout = "Mon, 2 Jan 2006 15:04:05 GMT"

func grayPNG(t *testing.T, pixel func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: pixel(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func checkerboard(t *testing.T) []byte {
	return grayPNG(t, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 255
		}
		return 0
	})
}

func flat(t *testing.T) []byte {
	return grayPNG(t, func(x, y int) uint8 { return 128 })
}

type env struct {
	handler http.Handler
	manager *store.TargetManager
	metrics *metrics.Metrics
	db      *store.Database
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}

	e.manager = store.NewTargetManager(2*time.Second, rate.HardcodedRater{Rating: 3}, func() time.Time { return e.now })
	e.db = store.NewDatabase(store.DatabaseSpec{Name: "db"})
	require.NoError(t, e.manager.AddDatabase(e.db))

	e.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	e.handler = NewServer(zap.NewNop(), e.manager, match.ExactMatcher{}, e.metrics, 0).Handler()
	return e
}

func (e *env) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// do sends a signed request through the handler.
func (e *env) do(method, path string, body []byte) *httptest.ResponseRecorder {
	contentType := ""
	if method == http.MethodPost || method == http.MethodPut {
		contentType = "application/json"
	}
	date := e.now.Format(dateLayout)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", vwsauth.AuthorizationHeader(
		e.db.ServerAccessKey, e.db.ServerSecretKey, method, body, contentType, date, path,
	))
	req.Header.Set("Date", date)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) addTarget(t *testing.T, name string, img []byte, extra map[string]interface{}) string {
	t.Helper()
	fields := map[string]interface{}{
		"name":  name,
		"width": 1,
		"image": base64.StdEncoding.EncodeToString(img),
	}
	for k, v := range extra {
		fields[k] = v
	}
	body, err := json.Marshal(fields)
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/targets", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ResultCode string `json:"result_code"`
		TargetID   string `json:"target_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "TargetCreated", resp.ResultCode)
	require.Len(t, resp.TargetID, 32)
	return resp.TargetID
}

func TestAddTarget(t *testing.T) {
	e := newEnv(t)

	targetID := e.addTarget(t, "my target", checkerboard(t), nil)
	assert.NotNil(t, e.manager.Database("db").FindNotDeleted(targetID))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.TargetsCreated))
}

func TestAddTargetSuccessHeaders(t *testing.T) {
	e := newEnv(t)
	body, err := json.Marshal(map[string]interface{}{
		"name":  "t",
		"width": 1,
		"image": base64.StdEncoding.EncodeToString(checkerboard(t)),
	})
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/targets", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The success header set uses all-lowercase keys and no Connection
	// header.
	h := rec.Header()
	assert.Equal(t, []string{"application/json"}, h["content-type"])
	assert.Equal(t, []string{"envoy"}, h["server"])
	assert.Equal(t, []string{"5"}, h["x-envoy-upstream-service-time"])
	assert.Equal(t, []string{"max-age=31536000"}, h["strict-transport-security"])
	assert.Equal(t, []string{"us-east-2, us-west-2"}, h["x-aws-region"])
	assert.Equal(t, []string{"nosniff"}, h["x-content-type-options"])
	assert.Equal(t, []string{"Mon, 24 Aug 2026 12:00:00 GMT"}, h["date"])
	assert.Empty(t, h["Connection"])
	assert.Empty(t, h["Content-Type"])
	assert.Empty(t, h["Server"])
}

func TestAddTargetDuplicateName(t *testing.T) {
	e := newEnv(t)
	e.addTarget(t, "taken", checkerboard(t), nil)

	body, err := json.Marshal(map[string]interface{}{
		"name":  "taken",
		"width": 1,
		"image": base64.StdEncoding.EncodeToString(checkerboard(t)),
	})
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/targets", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TargetNameExist")
}

func TestGetTargetLifecycle(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "t", checkerboard(t), map[string]interface{}{"active_flag": false})

	get := func() (status string, rating int) {
		rec := e.do(http.MethodGet, "/targets/"+targetID, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp struct {
			ResultCode   string `json:"result_code"`
			Status       string `json:"status"`
			TargetRecord struct {
				TargetID       string  `json:"target_id"`
				ActiveFlag     bool    `json:"active_flag"`
				Name           string  `json:"name"`
				Width          float64 `json:"width"`
				TrackingRating int     `json:"tracking_rating"`
				RecoRating     string  `json:"reco_rating"`
			} `json:"target_record"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Success", resp.ResultCode)
		assert.Equal(t, targetID, resp.TargetRecord.TargetID)
		assert.False(t, resp.TargetRecord.ActiveFlag)
		assert.Equal(t, "t", resp.TargetRecord.Name)
		assert.Equal(t, "", resp.TargetRecord.RecoRating)
		return resp.Status, resp.TargetRecord.TrackingRating
	}

	// Fresh targets are processing with a hidden rating.
	status, rating := get()
	assert.Equal(t, "processing", status)
	assert.Equal(t, -1, rating)

	// Halfway through the window the rating appears.
	e.advance(1500 * time.Millisecond)
	status, rating = get()
	assert.Equal(t, "processing", status)
	assert.Equal(t, 3, rating)

	// After the window the target settles.
	e.advance(time.Second)
	status, rating = get()
	assert.Equal(t, "success", status)
	assert.Equal(t, 3, rating)
}

func TestGetTargetWithoutContrastFails(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "flat", flat(t), nil)

	e.advance(3 * time.Second)
	rec := e.do(http.MethodGet, "/targets/"+targetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestGetUnknownTarget(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/targets/0123456789abcdef0123456789abcdef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "UnknownTarget")
}

func TestTargetList(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)

	first := e.addTarget(t, "first", checkerboard(t), nil)
	e.advance(time.Millisecond)
	second := e.addTarget(t, "second", checkerboard(t), map[string]interface{}{"active_flag": false})

	rec = e.do(http.MethodGet, "/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ResultCode string   `json:"result_code"`
		Results    []string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Success", resp.ResultCode)
	assert.Equal(t, []string{first, second}, resp.Results)
}

func TestDeleteTarget(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "t", checkerboard(t), nil)

	// Deleting a processing target is refused.
	rec := e.do(http.MethodDelete, "/targets/"+targetID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TargetStatusProcessing")

	e.advance(3 * time.Second)
	rec = e.do(http.MethodDelete, "/targets/"+targetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Success")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.TargetsDeleted))

	// The tombstoned target is gone from reads.
	rec = e.do(http.MethodGet, "/targets/"+targetID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodDelete, "/targets/"+targetID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatabaseSummary(t *testing.T) {
	e := newEnv(t)
	e.addTarget(t, "active", checkerboard(t), nil)
	e.addTarget(t, "inactive", checkerboard(t), map[string]interface{}{"active_flag": false})
	e.addTarget(t, "failed", flat(t), nil)

	summary := func() map[string]interface{} {
		rec := e.do(http.MethodGet, "/summary", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	resp := summary()
	assert.Equal(t, "db", resp["name"])
	assert.Equal(t, 0.0, resp["active_images"])
	assert.Equal(t, 3.0, resp["processing_images"])

	e.advance(3 * time.Second)
	resp = summary()
	assert.Equal(t, 1.0, resp["active_images"])
	assert.Equal(t, 1.0, resp["inactive_images"])
	assert.Equal(t, 1.0, resp["failed_images"])
	assert.Equal(t, 0.0, resp["processing_images"])
	assert.Equal(t, 1000.0, resp["target_quota"])
	assert.Equal(t, 1000.0, resp["reco_threshold"])
	assert.Equal(t, 100000.0, resp["request_quota"])
	assert.Equal(t, 0.0, resp["request_usage"])
}

func TestTargetSummary(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "t", checkerboard(t), nil)
	e.advance(3 * time.Second)

	rec := e.do(http.MethodGet, "/summary/"+targetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status         string `json:"status"`
		ResultCode     string `json:"result_code"`
		DatabaseName   string `json:"database_name"`
		TargetName     string `json:"target_name"`
		UploadDate     string `json:"upload_date"`
		ActiveFlag     bool   `json:"active_flag"`
		TrackingRating int    `json:"tracking_rating"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Success", resp.ResultCode)
	assert.Equal(t, "db", resp.DatabaseName)
	assert.Equal(t, "t", resp.TargetName)
	assert.Equal(t, "2026-08-24", resp.UploadDate)
	assert.True(t, resp.ActiveFlag)
	assert.Equal(t, 3, resp.TrackingRating)
}

func TestDuplicates(t *testing.T) {
	e := newEnv(t)
	img := checkerboard(t)
	other := grayPNG(t, func(x, y int) uint8 { return uint8(x * 32) })

	subject := e.addTarget(t, "subject", img, nil)
	duplicate := e.addTarget(t, "duplicate", img, nil)
	e.addTarget(t, "different", other, nil)
	e.addTarget(t, "inactive twin", img, map[string]interface{}{"active_flag": false})

	e.advance(3 * time.Second)

	// A processing twin is not reported.
	e.addTarget(t, "late twin", img, nil)

	rec := e.do(http.MethodGet, "/duplicates/"+subject, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ResultCode     string   `json:"result_code"`
		SimilarTargets []string `json:"similar_targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Success", resp.ResultCode)
	assert.Equal(t, []string{duplicate}, resp.SimilarTargets)
}

func TestDuplicatesEmptyList(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "alone", checkerboard(t), nil)

	rec := e.do(http.MethodGet, "/duplicates/"+targetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"similar_targets":[]`)
}

func TestUpdateTarget(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "t", checkerboard(t), nil)

	// Updates are refused while the target is processing.
	body := []byte(`{"width":2}`)
	rec := e.do(http.MethodPut, "/targets/"+targetID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TargetStatusNotSuccess")

	e.advance(3 * time.Second)
	rec = e.do(http.MethodPut, "/targets/"+targetID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Success")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.TargetsUpdated))

	updated := e.manager.Database("db").FindNotDeleted(targetID)
	assert.Equal(t, 2.0, updated.Width)

	// The update re-entered processing.
	rec = e.do(http.MethodGet, "/targets/"+targetID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"processing"`)
}

func TestUpdateTargetNullFieldsRejected(t *testing.T) {
	e := newEnv(t)
	targetID := e.addTarget(t, "t", checkerboard(t), nil)
	e.advance(3 * time.Second)

	for _, body := range []string{
		`{"active_flag":null}`,
		`{"application_metadata":null}`,
	} {
		rec := e.do(http.MethodPut, "/targets/"+targetID, []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Body.String(), "Fail")
	}
}

func TestUpdateTargetRename(t *testing.T) {
	e := newEnv(t)
	first := e.addTarget(t, "first", checkerboard(t), nil)
	e.addTarget(t, "second", checkerboard(t), nil)
	e.advance(3 * time.Second)

	rec := e.do(http.MethodPut, "/targets/"+first, []byte(`{"name":"second"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "TargetNameExist")

	rec = e.do(http.MethodPut, "/targets/"+first, []byte(`{"name":"renamed"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", e.manager.Database("db").FindNotDeleted(first).Name)
}

func TestRequestsAreCounted(t *testing.T) {
	e := newEnv(t)
	e.do(http.MethodGet, "/targets", nil)
	e.do(http.MethodGet, "/targets", nil)

	count := testutil.ToFloat64(e.metrics.RequestsTotal.WithLabelValues("vws", "GET", "200"))
	assert.Equal(t, 2.0, count)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/targets", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AuthenticationFailure")
	assert.Equal(t, []string{"VWS"}, rec.Header()["WWW-Authenticate"])
}

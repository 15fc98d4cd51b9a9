package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goodtune/presence/internal/presence"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/usage"
	"github.com/rs/zerolog"
)

const defaultHours = 24

type views struct {
	engine *presence.Engine
	logger zerolog.Logger
}

// Query returns the live status.
func (v *views) Query(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, v.engine.Status())
}

// None answers liveness probes.
func (v *views) None(ctx *gin.Context) {
	ctx.Status(http.StatusNoContent)
}

// SetStatus sets the coarse status from ?status=.
func (v *views) SetStatus(ctx *gin.Context) {
	status, err := strconv.Atoi(ctx.Query("status"))
	if err != nil {
		abort(ctx, http.StatusBadRequest, "bad request", "argument 'status' must be int")
		return
	}
	v.engine.SetStatus(ctx.Request.Context(), status)
	ctx.JSON(http.StatusOK, gin.H{"success": true, "code": "OK", "set_to": status})
}

type deviceSetRequest struct {
	ID            string `json:"id"`
	ShowName      string `json:"show_name"`
	Using         any    `json:"using"`
	AppName       string `json:"app_name"`
	AppNameOnly   string `json:"app_name_only"`
	AppNameSimple string `json:"app_name_simple"`
	AppPkg        string `json:"app_pkg"`
	AppPackage    string `json:"app_package"`
}

// DeviceSet ingests one device report, from query parameters or a JSON body.
func (v *views) DeviceSet(ctx *gin.Context) {
	var req deviceSetRequest
	if ctx.Request.Method == http.MethodPost {
		if err := ctx.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			abort(ctx, http.StatusBadRequest, "bad request", "invalid json body")
			return
		}
	} else {
		req = deviceSetRequest{
			ID:            ctx.Query("id"),
			ShowName:      ctx.Query("show_name"),
			AppName:       ctx.Query("app_name"),
			AppNameOnly:   ctx.Query("app_name_only"),
			AppNameSimple: ctx.Query("app_name_simple"),
			AppPkg:        ctx.Query("app_pkg"),
			AppPackage:    ctx.Query("app_package"),
		}
		if raw, ok := ctx.GetQuery("using"); ok {
			req.Using = raw
		}
	}

	using, ok := parseBool(req.Using)
	if !ok {
		abort(ctx, http.StatusBadRequest, "bad request", "missing param or wrong param type")
		return
	}

	report := presence.AppReport{
		DeviceID:    req.ID,
		ShowName:    req.ShowName,
		AppName:     req.AppName,
		AppNameOnly: firstNonEmpty(req.AppNameOnly, req.AppNameSimple),
		AppPkg:      firstNonEmpty(req.AppPkg, req.AppPackage),
		Using:       using,
	}
	if err := v.engine.IngestAppUsage(ctx.Request.Context(), report); err != nil {
		v.fail(ctx, err)
		return
	}
	respondOK(ctx)
}

// DeviceRemove deletes one device's live status.
func (v *views) DeviceRemove(ctx *gin.Context) {
	if err := v.engine.RemoveDevice(ctx.Request.Context(), ctx.Query("id")); err != nil {
		v.fail(ctx, err)
		return
	}
	respondOK(ctx)
}

// DeviceClear deletes every device's live status.
func (v *views) DeviceClear(ctx *gin.Context) {
	v.engine.ClearDevices(ctx.Request.Context())
	respondOK(ctx)
}

// PrivateMode toggles private mode from ?private=.
func (v *views) PrivateMode(ctx *gin.Context) {
	private, ok := parseBool(ctx.Query("private"))
	if !ok {
		abort(ctx, http.StatusBadRequest, "invalid request", `"private" arg only supports boolean type`)
		return
	}
	v.engine.SetPrivateMode(ctx.Request.Context(), private)
	respondOK(ctx)
}

// SaveData writes the document now and returns it.
func (v *views) SaveData(ctx *gin.Context) {
	if err := v.engine.Save(ctx.Request.Context()); err != nil {
		v.fail(ctx, err)
		return
	}
	doc, err := v.engine.Document()
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "code": "OK", "data": doc})
}

// History returns the full usage view of a device, or the aggregate when
// no id is given. ?hour= adds a single-hour breakdown.
func (v *views) History(ctx *gin.Context) {
	id := ctx.Query("id")
	hours := queryHours(ctx)

	var (
		history *presence.RichUsage
		err     error
	)
	if id == "" {
		history, err = v.engine.UsageAggregate(hours)
	} else {
		history, err = v.engine.UsageDetailsV2(id, hours)
	}
	if err != nil {
		v.fail(ctx, err)
		return
	}

	resp := gin.H{"success": true, "device_id": id, "hours": hours, "history": history}
	if hour := ctx.Query("hour"); hour != "" {
		breakdown, err := v.engine.HourBreakdown(id, hour, hours)
		if err != nil {
			v.fail(ctx, err)
			return
		}
		resp["hour_breakdown"] = breakdown
	}
	ctx.JSON(http.StatusOK, resp)
}

// Usage returns hourly counts, plus totals and the current app when
// ?details= is set.
func (v *views) Usage(ctx *gin.Context) {
	id := ctx.Query("id")
	hours := queryHours(ctx)

	if details, _ := parseBool(ctx.Query("details")); details {
		out, err := v.engine.UsageDetails(id, hours)
		if err != nil {
			v.fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"success": true, "device_id": id, "usage": out})
		return
	}

	buckets, err := v.engine.Usage(id, hours)
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "device_id": id, "hours": hours, "hourly": buckets})
}

// Recent lists recent sessions.
func (v *views) Recent(ctx *gin.Context) {
	id := ctx.Query("id")
	hours := queryHours(ctx)
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	recent, err := v.engine.RecentSessions(id, hours, limit)
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "device_id": id, "hours": hours, "recent": recent})
}

type heartRequest struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
	Time  string `json:"time"`
}

// HeartSet records a heart-rate sample.
func (v *views) HeartSet(ctx *gin.Context) {
	var req heartRequest
	if ctx.Request.Method == http.MethodPost {
		if err := ctx.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			abort(ctx, http.StatusBadRequest, "bad request", "invalid json body")
			return
		}
	} else {
		value, err := strconv.Atoi(ctx.Query("value"))
		if err != nil {
			abort(ctx, http.StatusBadRequest, "bad request", "argument 'value' must be int")
			return
		}
		req = heartRequest{ID: ctx.Query("id"), Value: value, Time: ctx.Query("time")}
	}

	var when time.Time
	if req.Time != "" {
		t, err := usage.ParseEventTime(req.Time, v.engine.Location())
		if err != nil {
			v.fail(ctx, err)
			return
		}
		when = t
	}

	if err := v.engine.RecordHeartRate(ctx.Request.Context(), req.ID, req.Value, when); err != nil {
		v.fail(ctx, err)
		return
	}
	respondOK(ctx)
}

// HeartHistory returns a device's heart-rate samples.
func (v *views) HeartHistory(ctx *gin.Context) {
	id := ctx.Query("id")
	if id == "" {
		abort(ctx, http.StatusBadRequest, "bad request", "argument 'id' is required")
		return
	}
	hours := queryHours(ctx)

	series, err := v.engine.HeartRate(id, hours)
	if err != nil {
		v.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "device_id": id, "hours": hours, "heart_rate": series})
}

// Visits returns the visit counters.
func (v *views) Visits(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, v.engine.Visits())
}

// fail maps an engine error to a response.
func (v *views) fail(ctx *gin.Context, err error) {
	var (
		verr *usage.ValidationError
		terr *usage.TimestampParseError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &terr):
		abort(ctx, http.StatusBadRequest, "bad request", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		abort(ctx, http.StatusNotFound, "not found", "cannot find item")
	default:
		v.logger.Error().Err(err).Str("path", ctx.Request.URL.Path).Msg("Request failed")
		abort(ctx, http.StatusInternalServerError, "exception", err.Error())
	}
}

func abort(ctx *gin.Context, status int, code, message string) {
	ctx.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"code":    code,
		"message": message,
	})
}

func respondOK(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"success": true, "code": "OK"})
}

// queryHours reads ?hours=, falling back to a day.
func queryHours(ctx *gin.Context) int {
	hours, err := strconv.Atoi(ctx.Query("hours"))
	if err != nil {
		return defaultHours
	}
	return hours
}

// parseBool accepts JSON booleans and the usual string spellings.
func parseBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y", "on":
			return true, true
		case "false", "0", "no", "n", "off":
			return false, true
		}
	}
	return false, false
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}

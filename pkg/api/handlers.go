package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"speechrnt-accel/pkg/device"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
	"speechrnt-accel/pkg/voice"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Router) listDevices(c *gin.Context) {
	devices := r.accel.ListDevices()
	if devices == nil {
		devices = []device.Info{}
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (r *Router) bestDevice(c *gin.Context) {
	best := r.accel.BestDevice()
	if best == device.None {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no compatible device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"device": best})
}

func (r *Router) currentDevice(c *gin.Context) {
	info, ok := r.accel.CurrentDeviceInfo()
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no device selected"})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (r *Router) stats(c *gin.Context) {
	c.JSON(http.StatusOK, r.accel.Stats())
}

func (r *Router) resetStats(c *gin.Context) {
	r.accel.ResetStats()
	c.Status(http.StatusNoContent)
}

func (r *Router) history(c *gin.Context) {
	minutes := 60
	if raw := c.Query("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "minutes must be a positive integer"})
			return
		}
		minutes = parsed
	}

	c.JSON(http.StatusOK, gin.H{"frames": r.accel.History(minutes)})
}

func (r *Router) alerts(c *gin.Context) {
	alerts := r.accel.Alerts()
	if alerts == nil {
		alerts = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (r *Router) listModels(c *gin.Context) {
	models := r.accel.ListLoaded()
	if models == nil {
		models = []model.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{"models": models})
}

type loadModelRequest struct {
	Path string `json:"path" binding:"required"`
	Pair string `json:"pair" binding:"required"`
}

func (r *Router) loadModel(c *gin.Context) {
	var req loadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	h, err := r.accel.LoadModel(c.Request.Context(), req.Path, req.Pair)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"handle": h})
}

type unloadModelRequest struct {
	Handle model.Handle `json:"handle" binding:"required"`
}

func (r *Router) unloadModel(c *gin.Context) {
	var req unloadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := r.accel.UnloadModel(req.Handle); err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

func (r *Router) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": r.accel.Sessions()})
}

func (r *Router) voiceLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": r.voices.SupportedLanguages()})
}

func (r *Router) voicesFor(c *gin.Context) {
	lang := c.Param("lang")

	voices := r.voices.VoicesFor(lang)
	if voices == nil {
		voices = []voice.Info{}
	}

	c.JSON(http.StatusOK, gin.H{"language": lang, "voices": voices})
}

func (r *Router) pickVoice(c *gin.Context) {
	lang := c.Param("lang")
	gender := voice.Gender(c.DefaultQuery("gender", string(voice.GenderAny)))

	id := r.voices.Pick(lang, gender)
	if id == "" {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no available voice for " + lang})
		return
	}

	c.JSON(http.StatusOK, gin.H{"voice": id})
}

type preferenceRequest struct {
	Language string `json:"language" binding:"required"`
	VoiceID  string `json:"voice_id" binding:"required"`
}

func (r *Router) setVoicePreference(c *gin.Context) {
	var req preferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := r.voices.SetPreference(req.Language, req.VoiceID); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrNotInitialized), stderrors.Is(err, errors.ErrGPUUnavailable):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrNoSuchModel), stderrors.Is(err, errors.ErrNoSuchSession):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrIncompatibleModel), stderrors.Is(err, errors.ErrInvalidDevice):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrModelInUse), stderrors.Is(err, errors.ErrDuplicateSession):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

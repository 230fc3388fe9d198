package http

import (
	"net/http"
	"time"

	"github.com/dkeye/Panel/internal/app"
	"github.com/dkeye/Panel/internal/app/orch"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type TranscriptionRequest struct {
	Sender     string     `json:"sender" binding:"required,oneof=candidate interviewer recruiter"`
	Transcript string     `json:"transcript" binding:"required"`
	Timestamp  *time.Time `json:"timestamp"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type transcriptHandlers struct {
	store *app.TranscriptStore
}

func (h transcriptHandlers) post(c *gin.Context) {
	var req TranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid transcription"})
		return
	}
	role, err := domain.ParseRole(req.Sender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	h.store.Add(domain.Transcript{Sender: role, Text: req.Transcript, Timestamp: ts})
	c.JSON(http.StatusOK, statusResponse{Status: "success", Message: "Transcription received"})
}

func (h transcriptHandlers) all(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.All())
}

func (h transcriptHandlers) byRole(c *gin.Context) {
	role, err := domain.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.store.ByRole(role))
}

func (h transcriptHandlers) clear(c *gin.Context) {
	h.store.Clear()
	c.JSON(http.StatusOK, statusResponse{Status: "success", Message: "Transcriptions cleared"})
}

type roomHandlers struct {
	orch *orch.Orchestrator
}

func (h roomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Rooms.List())
}

func (h roomHandlers) get(c *gin.Context) {
	room, ok := h.orch.Rooms.Get(domain.RoomName(c.Param("name")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

func (h roomHandlers) evict(c *gin.Context) {
	name := domain.RoomName(c.Param("name"))
	if !h.orch.EvictRoom(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(name)).Msg("room evicted")
	c.Status(http.StatusNoContent)
}

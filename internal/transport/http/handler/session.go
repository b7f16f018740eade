package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"promptly/internal/app"
	"promptly/internal/model"
	"promptly/internal/transport/http/middleware"
	"promptly/internal/transport/http/response"
)

type SessionHandler struct {
	orchestrator *app.Orchestrator
}

type SessionSettingsRequest struct {
	Tone           string   `json:"tone"`
	WordLimit      *int     `json:"word_limit"`
	ContextSources []string `json:"context_sources"`
}

type CreateSessionRequest struct {
	Title         string                 `json:"title"`
	StarterPrompt string                 `json:"starter_prompt" binding:"required"`
	MaxQuestions  *int                   `json:"max_questions"`
	TargetModel   string                 `json:"target_model"`
	Settings      SessionSettingsRequest `json:"settings"`
}

type SubmitAnswerRequest struct {
	QuestionNodeID string   `json:"question_node_id" binding:"required"`
	Selected       []string `json:"selected"`
	IsCustomAnswer bool     `json:"is_custom_answer"`
	Cancel         bool     `json:"cancel"`
}

func NewSessionHandler(orchestrator *app.Orchestrator) *SessionHandler {
	return &SessionHandler{orchestrator: orchestrator}
}

func (h *SessionHandler) Create(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, root, err := h.orchestrator.CreateSession(c.Request.Context(), app.CreateSessionInput{
		OwnerID:        callerID,
		Title:          req.Title,
		StarterPrompt:  req.StarterPrompt,
		MaxQuestions:   req.MaxQuestions,
		TargetModel:    req.TargetModel,
		Tone:           req.Settings.Tone,
		WordLimit:      req.Settings.WordLimit,
		ContextSources: req.Settings.ContextSources,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}

	response.Created(c, gin.H{
		"session":       session,
		"root_question": root,
	})
}

func (h *SessionHandler) Get(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	view, err := h.orchestrator.GetSession(c.Request.Context(), callerID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}

	data := gin.H{
		"session": view.Session,
		"state":   view.State,
		"leaf":    view.Leaf,
	}
	if view.PendingAnswerID != "" {
		data["pending_answer_id"] = view.PendingAnswerID
	}
	response.OK(c, data)
}

func (h *SessionHandler) Nodes(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	nodes, err := h.orchestrator.Transcript(c.Request.Context(), callerID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	response.OK(c, gin.H{"nodes": nodes})
}

func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.orchestrator.SubmitAnswer(c.Request.Context(), app.SubmitAnswerInput{
		CallerID:       callerID,
		SessionID:      c.Param("id"),
		QuestionNodeID: req.QuestionNodeID,
		Selected:       req.Selected,
		IsCustomAnswer: req.IsCustomAnswer,
		Cancel:         req.Cancel,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, stepPayload(result))
}

func (h *SessionHandler) RetryAnswer(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.RetryAnswer(c.Request.Context(), callerID, c.Param("id"), c.Param("nodeId"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, stepPayload(result))
}

func (h *SessionHandler) Cancel(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	session, err := h.orchestrator.CancelSession(c.Request.Context(), callerID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, gin.H{
		"outcome": app.OutcomeCancelled,
		"session": session,
	})
}

// uploadOverhead leaves room for the multipart framing around the file.
const uploadOverhead = 1 << 20

// AttachContext takes a multipart upload in the "file" field.
func (h *SessionHandler) AttachContext(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, model.MaxContextFileSize+uploadOverhead)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "file is too large")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file is required")
		return
	}
	if header.Size > model.MaxContextFileSize {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "file is too large")
		return
	}

	f, err := header.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file could not be read")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file could not be read")
		return
	}

	attached, err := h.orchestrator.AttachContext(c.Request.Context(), app.AttachContextInput{
		CallerID:    callerID,
		SessionID:   c.Param("id"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, gin.H{
		"file_id":  attached.File.ID,
		"url":      attached.URL,
		"filename": attached.File.Filename,
		"size":     attached.File.Size,
		"mime":     attached.File.ContentType,
		"session":  attached.Session,
	})
}

func (h *SessionHandler) ContextFile(c *gin.Context) {
	callerID, ok := caller(c)
	if !ok {
		return
	}

	file, err := h.orchestrator.ContextFile(c.Request.Context(), callerID, c.Param("id"), c.Param("fileId"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}))
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

func stepPayload(result *app.StepResult) gin.H {
	payload := gin.H{
		"outcome": result.Outcome,
		"session": result.Session,
	}
	if result.Answer != nil {
		payload["answer"] = result.Answer
	}
	switch result.Outcome {
	case app.OutcomeQuestion:
		payload["question"] = result.Node
	case app.OutcomeFinalPrompt:
		payload["final_prompt"] = result.Node
		payload["forced"] = result.Forced
	}
	return payload
}

func caller(c *gin.Context) (uint, bool) {
	id, ok := middleware.CallerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found in token")
	}
	return id, ok
}

package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paged-vllm-go/pagedvllm"
)

// Server is the HTTP front end of an engine. The engine's Run loop is driven
// by the caller.
type Server struct {
	engine *pagedvllm.Engine
	router *gin.Engine
}

// New creates a server for engine allowing the given CORS origins
func New(engine *pagedvllm.Engine, origins []string) *Server {
	s := &Server{engine: engine}
	s.router = s.routes(origins)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(origins []string) *gin.Engine {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowOrigins = origins
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), cors.New(config))

	r.GET("/health", s.HealthHandler)
	r.GET("/stats", s.StatsHandler)
	r.POST("/generate", s.GenerateHandler)
	r.POST("/chat", s.ChatHandler)
	r.DELETE("/requests/:id", s.AbortHandler)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("http request")
	}
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	var vErr *pagedvllm.ValidationError
	var capErr *pagedvllm.CapacityError
	switch {
	case errors.As(err, &vErr), errors.As(err, &capErr):
		return http.StatusBadRequest
	case errors.Is(err, pagedvllm.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, pagedvllm.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, pagedvllm.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": s.engine.Config().Model})
}

func (s *Server) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Prompt == "" && len(req.PromptTokenIDs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt or prompt_token_ids is required"})
		return
	}

	s.serve(c, &pagedvllm.Request{
		ID:             req.RequestID,
		Model:          req.Model,
		Prompt:         req.Prompt,
		PromptTokenIDs: req.PromptTokenIDs,
		Params:         req.Options.samplingParams(),
		Priority:       req.Priority,
	}, req.Stream)
}

func (s *Server) ChatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prompt, err := FlattenMessages(req.Messages)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.serve(c, &pagedvllm.Request{
		ID:       req.RequestID,
		Model:    req.Model,
		Prompt:   prompt,
		Params:   req.Options.samplingParams(),
		Priority: req.Priority,
	}, req.Stream)
}

func (s *Server) AbortHandler(c *gin.Context) {
	if err := s.engine.Abort(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// serve submits req and writes its outputs, as one JSON body or as a server
// sent event stream. A client that goes away cancels its request.
func (s *Server) serve(c *gin.Context, req *pagedvllm.Request, stream bool) {
	id, ch, err := s.engine.Submit(req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()

	if !stream {
		for {
			select {
			case <-ctx.Done():
				s.cancel(id)
				return
			case out, ok := <-ch:
				if !ok {
					return
				}
				if !out.Finished {
					continue
				}
				if out.Err != nil {
					abortWithError(c, out.Err)
					return
				}
				c.JSON(http.StatusOK, toResponse(out))
				return
			}
		}
	}

	c.Header("X-Request-ID", id)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			s.cancel(id)
			return false
		case out, ok := <-ch:
			if !ok {
				return false
			}
			if out.Err != nil {
				c.SSEvent("error", gin.H{"request_id": id, "error": out.Err.Error()})
				return false
			}
			c.SSEvent("output", toResponse(out))
			return !out.Finished
		}
	})
}

func (s *Server) cancel(id string) {
	if err := s.engine.Abort(id); err != nil && !errors.Is(err, pagedvllm.ErrRequestNotFound) {
		logrus.WithError(err).WithField("request_id", id).Warn("failed to cancel request")
	}
}

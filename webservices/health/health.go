// Package health exposes the service health probe. The response tells
// clients whether the model backend and the task store are reachable and
// which engine and embedding model a deployment runs.
package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/refinery/llm"
	"github.com/remiges-tech/refinery/service"
	"github.com/remiges-tech/refinery/wscutils"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	// EngineName identifies this implementation in health responses.
	EngineName = "refinery"
)

// pinger is implemented by stores that can probe their backing database.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthData struct {
	Status         string `json:"status"`
	LLMAvailable   bool   `json:"llm_available"`
	EmbeddingModel string `json:"embedding_model"`
	Engine         string `json:"engine"`
}

// RegisterRoutes attaches the health endpoint to the service router.
func RegisterRoutes(s *service.Service) {
	s.RegisterRoute(http.MethodGet, "/api/v1/health", HandleHealthRequest)
}

// HandleHealthRequest reports healthy while both the model backend and the
// task store answer, degraded otherwise. It always returns 200; the status
// field carries the verdict so load balancers keep routing to a degraded
// instance that can still serve reads.
func HandleHealthRequest(c *gin.Context, s *service.Service) {
	ctx := c.Request.Context()

	client := s.Dependencies["llm"].(llm.Client)
	llmUp := client.IsAvailable(ctx)

	storeUp := true
	if p, ok := s.Database.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.Logger.Warn().LogActivity("Store ping failed", map[string]any{"error": err.Error()})
			storeUp = false
		}
	}

	status := StatusHealthy
	if !llmUp || !storeUp {
		status = StatusDegraded
	}

	embeddingModel, _ := s.Dependencies["embedding_model"].(string)

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(healthData{
		Status:         status,
		LLMAvailable:   llmUp,
		EmbeddingModel: embeddingModel,
		Engine:         EngineName,
	}))
}

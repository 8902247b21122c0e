package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"planepi/internal/storage"
	"planepi/internal/tokens"
)

type usageJSON struct {
	Type             string    `json:"type"`
	Model            string    `json:"model"`
	RequestedModel   string    `json:"requested_model"`
	ModelVerified    bool      `json:"model_verified"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CachedTokens     int       `json:"cached_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// turnUsageTypes are the usage rows keyed by a turn's user message.
var turnUsageTypes = []string{tokens.TypeRouting, tokens.TypeChatTurn}

// messageUsage reports the model calls one turn made and what they cost.
func (s *Server) messageUsage(c echo.Context) error {
	id := who(c)
	ctx := c.Request().Context()
	chatID := c.Param("id")
	if _, err := s.chats.Get(ctx, chatID, id.UserID); err != nil {
		return storageError(err, "chat")
	}
	msg, err := s.chats.UserMessage(ctx, chatID, id.UserID, c.Param("message_id"))
	if err != nil {
		return storageError(err, "message")
	}

	calls := make([]usageJSON, 0)
	var total usageJSON
	for _, kind := range turnUsageTypes {
		rows, err := s.store.ListLLMUsage(ctx, kind, msg.ID)
		if err != nil {
			return storageError(err, "usage")
		}
		for _, u := range rows {
			calls = append(calls, toUsage(u))
			total.PromptTokens += u.PromptTokens
			total.CompletionTokens += u.CompletionTokens
			total.CachedTokens += u.CachedTokens
			total.CostUSD += u.CostUSD
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message_id":        msg.ID,
		"calls":             calls,
		"prompt_tokens":     total.PromptTokens,
		"completion_tokens": total.CompletionTokens,
		"cached_tokens":     total.CachedTokens,
		"cost_usd":          total.CostUSD,
	})
}

func toUsage(u storage.LLMUsage) usageJSON {
	return usageJSON{
		Type:             u.UsageType,
		Model:            u.Model,
		RequestedModel:   u.RequestedModel,
		ModelVerified:    u.ModelVerified,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		CostUSD:          u.CostUSD,
		CreatedAt:        u.CreatedAt,
	}
}

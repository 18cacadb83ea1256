package cloudcode

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic/decoder"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/format"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// MessageHandler serves non-streaming requests. Thinking models are
// still fetched over SSE because the unary endpoint drops thinking
// blocks; the stream is collected into one response.
type MessageHandler struct {
	dispatcher *dispatcher
}

// NewMessageHandler builds a MessageHandler on the shared dispatcher.
func NewMessageHandler(manager *account.Manager, cfg *config.Config) *MessageHandler {
	return &MessageHandler{dispatcher: newDispatcher(manager, cfg)}
}

// SendMessage dispatches one request and returns the complete response.
func (h *MessageHandler) SendMessage(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	var result *anthropic.MessagesResponse

	err := h.dispatcher.dispatch(ctx, req, fallbackEnabled, false,
		func(ctx context.Context, resp *http.Response, att *attemptContext) error {
			defer resp.Body.Close()

			if config.IsThinkingModel(req.Model) {
				parsed, err := ParseThinkingSSEResponse(resp.Body, req.Model)
				if err != nil {
					return err
				}
				result = parsed
				return nil
			}

			var googleResp format.GoogleResponse
			if err := decoder.NewStreamDecoder(resp.Body).Decode(&googleResp); err != nil {
				return err
			}
			utils.Debug("[CloudCode] Response received for %s", req.Model)
			result = format.ConvertGoogleToAnthropic(&googleResp, req.Model)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

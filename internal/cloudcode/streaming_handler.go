package cloudcode

import (
	"context"
	"fmt"
	"net/http"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// StreamingHandler serves streaming requests, forwarding translated SSE
// events as they arrive.
type StreamingHandler struct {
	dispatcher *dispatcher
}

// NewStreamingHandler builds a StreamingHandler on the shared dispatcher.
func NewStreamingHandler(manager *account.Manager, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{dispatcher: newDispatcher(manager, cfg)}
}

// SendMessageStream dispatches one request and returns the event and
// error channels. Both close when the stream ends.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := h.dispatcher.dispatch(ctx, req, fallbackEnabled, true,
			func(ctx context.Context, resp *http.Response, att *attemptContext) error {
				return h.consumeStream(ctx, resp, att, req.Model, events)
			})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// consumeStream forwards one upstream stream, retrying empty streams
// with exponential backoff before giving up with a synthetic fallback
// message.
func (h *StreamingHandler) consumeStream(ctx context.Context, resp *http.Response, att *attemptContext, model string, events chan<- *anthropic.SSEEvent) error {
	current := resp

	for emptyRetries := 0; ; emptyRetries++ {
		sseEvents, sseErrs := StreamSSEResponse(current.Body, model)

		for event := range sseEvents {
			select {
			case events <- event:
			case <-ctx.Done():
				current.Body.Close()
				return ctx.Err()
			}
		}
		streamErr := <-sseErrs
		current.Body.Close()

		if streamErr == nil {
			utils.Debug("[CloudCode] Stream completed for %s", model)
			return nil
		}
		if !relayerrors.IsEmptyResponseError(streamErr) {
			return streamErr
		}

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Error("[CloudCode] Empty response after %d retries, emitting fallback", config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, model)
			return nil
		}

		backoffMs := int64(500 * (1 << emptyRetries))
		utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...",
			emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		if err := utils.Sleep(ctx, backoffMs); err != nil {
			return err
		}

		retryReq, err := att.newRequest(ctx)
		if err != nil {
			return err
		}
		current, err = h.dispatcher.client.Do(retryReq)
		if err != nil {
			return fmt.Errorf("empty-response retry failed: %w", err)
		}
		if current.StatusCode != http.StatusOK {
			current.Body.Close()
			return relayerrors.NewApiError(
				fmt.Sprintf("empty-response retry got status %d", current.StatusCode),
				current.StatusCode, "api_error")
		}
	}
}

// emitEmptyResponseFallback produces a minimal valid event sequence so
// clients that already received SSE headers still get a parseable reply.
func emitEmptyResponseFallback(events chan<- *anthropic.SSEEvent, model string) {
	events <- &anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        utils.Ptr(0),
		ContentBlock: &anthropic.ContentBlock{Type: "text"},
	}
	events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: utils.Ptr(0),
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: "[No response after retries - please try again]"},
	}
	events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: utils.Ptr(0),
	}
	events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: "end_turn"},
		Usage: &anthropic.Usage{},
	}
	events <- &anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop}
}

package cloudcode

import (
	"context"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// Client is the Cloud Code API facade the HTTP handlers talk to.
type Client struct {
	manager          *account.Manager
	messageHandler   *MessageHandler
	streamingHandler *StreamingHandler
	cfg              *config.Config
}

// NewClient builds a client over the account pool.
func NewClient(manager *account.Manager, cfg *config.Config) *Client {
	return &Client{
		manager:          manager,
		messageHandler:   NewMessageHandler(manager, cfg),
		streamingHandler: NewStreamingHandler(manager, cfg),
		cfg:              cfg,
	}
}

// SendMessage dispatches a non-streaming request.
func (c *Client) SendMessage(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	return c.messageHandler.SendMessage(ctx, request, fallbackEnabled)
}

// SendMessageStream dispatches a streaming request.
func (c *Client) SendMessageStream(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *anthropic.SSEEvent, <-chan error) {
	return c.streamingHandler.SendMessageStream(ctx, request, fallbackEnabled)
}

// ListModels lists the upstream models in Messages API form.
func (c *Client) ListModels(ctx context.Context, token string) (*anthropic.ModelsResponse, error) {
	return ListModels(ctx, token)
}

// FetchAvailableModels returns the raw upstream model table.
func (c *Client) FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	return FetchAvailableModels(ctx, token, projectID)
}

// GetModelQuotas returns per-model remaining quota for an account.
func (c *Client) GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*storage.ModelQuota, error) {
	return GetModelQuotas(ctx, token, projectID)
}

// GetSubscriptionTier resolves an account's subscription tier.
func (c *Client) GetSubscriptionTier(ctx context.Context, token string) (*storage.SubscriptionInfo, error) {
	return GetSubscriptionTier(ctx, token)
}

// IsValidModel checks a model id against the upstream's advertised set.
func (c *Client) IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	return IsValidModel(ctx, modelID, token, projectID)
}

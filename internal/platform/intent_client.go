package platform

import (
	"context"
	"net/http"

	"paysupport/internal/config"
)

type intentClient struct {
	api *apiClient
}

func NewIntentClient(cfg config.EndpointConfig) IntentClient {
	return &intentClient{api: newAPIClient(cfg)}
}

func (c *intentClient) Classify(ctx context.Context, text string) (string, error) {
	var resp struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := c.api.do(ctx, http.MethodPost, "/classify", map[string]string{"text": text}, &resp); err != nil {
		return "", err
	}
	return resp.Intent, nil
}

package platform

import (
	"context"
	"net/http"

	"paysupport/internal/config"
)

type paymentClient struct {
	api *apiClient
}

func NewPaymentClient(cfg config.PaymentConfig) PaymentClient {
	return &paymentClient{api: newAPIClient(cfg.EndpointConfig)}
}

// Refund 退款单号作为幂等键传给渠道，重复调用不会重复退款
func (c *paymentClient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var result RefundResult
	body := map[string]interface{}{
		"charge":          req.PaymentRef,
		"transaction_id":  req.TransactionID,
		"amount":          req.Amount.StringFixed(2),
		"idempotency_key": req.IdempotencyKey,
	}
	if err := c.api.do(ctx, http.MethodPost, "/refunds", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *paymentClient) RetryLink(ctx context.Context, userID, transactionID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	body := map[string]string{"user_id": userID, "transaction_id": transactionID}
	if err := c.api.do(ctx, http.MethodPost, "/checkout/retry", body, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

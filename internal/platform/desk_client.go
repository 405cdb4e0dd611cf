package platform

import (
	"context"
	"net/http"
	"net/url"

	"paysupport/internal/config"
)

type deskClient struct {
	api *apiClient
}

func NewDeskClient(cfg config.EndpointConfig) DeskClient {
	return &deskClient{api: newAPIClient(cfg)}
}

func (c *deskClient) GetOrCreateCustomer(ctx context.Context, userID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"sendbird_id": userID}
	if err := c.api.do(ctx, http.MethodPost, "/customers", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *deskClient) CreateTicket(ctx context.Context, req CreateTicketRequest) (*Ticket, error) {
	var ticket Ticket
	if err := c.api.do(ctx, http.MethodPost, "/tickets", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *deskClient) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var ticket Ticket
	if err := c.api.do(ctx, http.MethodGet, "/tickets/"+url.PathEscape(ticketID), nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

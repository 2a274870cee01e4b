package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/sigortix/paycore/gateway"
	"github.com/sigortix/paycore/payment"
)

// purchasePayload is the policy-issuance request body. Card fields ride
// along only for the duration of the call; the payload is never logged.
type purchasePayload struct {
	ProposalID        string            `json:"proposalId"`
	ProposalProductID string            `json:"proposalProductId"`
	InstallmentNumber int               `json:"installmentNumber"`
	MerchantPaymentID string            `json:"merchantPaymentId"`
	Card              cardPayload       `json:"card"`
	GatewayResult     map[string]string `json:"gatewayResult,omitempty"`
}

type cardPayload struct {
	Number      string `json:"number"`
	HolderName  string `json:"holderName"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVC         string `json:"cvc"`
}

type purchaseResponse struct {
	Success      bool   `json:"success"`
	PolicyNumber string `json:"policyNumber"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client calls the policy-issuance API. It implements payment.Purchaser.
type Client struct {
	apiKey     string
	httpClient *gateway.HTTPClient
}

// NewClient creates a policy-issuance client. The timeout bounds the
// whole purchase call; completion must not hang on a slow downstream.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("purchase: base URL is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := gateway.CreateHTTPClientConfig(baseURL, true, timeout)
	return &Client{
		apiKey:     apiKey,
		httpClient: gateway.NewHTTPClient(cfg),
	}, nil
}

// Purchase issues the policy for an authorized payment
func (c *Client) Purchase(ctx context.Context, req payment.PurchaseRequest) (*payment.PurchaseResult, error) {
	if req.ProposalID == "" || req.MerchantPaymentID == "" {
		return nil, errors.New("purchase: proposalId and merchantPaymentId are required")
	}
	if req.Card.Number == "" {
		return nil, errors.New("purchase: card information is required")
	}

	httpReq := &gateway.HTTPRequest{
		Method:   "POST",
		Endpoint: "/proposals/purchase",
		Headers: map[string]string{
			"X-Api-Key": c.apiKey,
		},
		Body: purchasePayload{
			ProposalID:        req.ProposalID,
			ProposalProductID: req.ProposalProductID,
			InstallmentNumber: req.InstallmentNumber,
			MerchantPaymentID: req.MerchantPaymentID,
			Card: cardPayload{
				Number:      req.Card.Number,
				HolderName:  req.Card.HolderName,
				ExpiryMonth: req.Card.ExpiryMonth,
				ExpiryYear:  req.Card.ExpiryYear,
				CVC:         req.Card.CVC,
			},
			GatewayResult: req.GatewayResult,
		},
	}

	resp, err := c.httpClient.SendJSON(ctx, httpReq)
	if err != nil {
		return nil, &payment.PurchaseError{
			MerchantPaymentID: req.MerchantPaymentID,
			Message:           err.Error(),
		}
	}

	var body purchaseResponse
	if err := c.httpClient.ParseJSONResponse(resp, &body); err != nil {
		return nil, &payment.PurchaseError{
			MerchantPaymentID: req.MerchantPaymentID,
			Message:           "malformed purchase response",
		}
	}

	return &payment.PurchaseResult{
		Success:      body.Success,
		PolicyNumber: body.PolicyNumber,
		ErrorCode:    body.ErrorCode,
		ErrorMessage: body.ErrorMessage,
	}, nil
}

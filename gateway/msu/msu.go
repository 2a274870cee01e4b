package msu

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sigortix/paycore/gateway"
	"github.com/sigortix/paycore/payment"
)

const (
	// API Endpoints
	apiSandboxURL    = "https://test.merchantsafeunipay.com/msu/api/v2"
	apiProductionURL = "https://merchantsafeunipay.com/msu/api/v2"

	// 3D Secure Gateway (Hosted Page)
	threeDSandboxURL    = "https://test.merchantsafeunipay.com/msu/3dgate"
	threeDProductionURL = "https://merchantsafeunipay.com/msu/3dgate"

	// Actions
	actionSale             = "SALE"
	actionSession          = "SESSIONTOKEN"
	actionQueryTransaction = "QUERYTRANSACTION"

	// Session Types
	sessionTypePayment = "PAYMENTSESSION"
)

// An artifact shorter than this cannot be a complete 3D form or a
// usable redirect; treat it as a malformed gateway response.
const minArtifactLength = 64

const maxTransientAttempts = 3

// GatewayClient implements the gateway.Client interface for the MSU API
type GatewayClient struct {
	merchant         string
	merchantUser     string
	merchantPassword string
	secretKey        string
	baseURL          string
	threeDGatewayURL string
	callbackURL      string
	isProduction     bool
	httpClient       *gateway.HTTPClient
}

func init() {
	gateway.Register("msu", New)
}

// New creates a configured MSU gateway client
func New(cfg gateway.Config) (gateway.Client, error) {
	if cfg.Merchant == "" || cfg.MerchantUser == "" || cfg.MerchantPassword == "" || cfg.SecretKey == "" {
		return nil, errors.New("msu: merchant, merchantUser, merchantPassword and secretKey are required")
	}

	baseURL := cfg.BaseURL
	threeDURL := threeDSandboxURL
	if baseURL == "" {
		baseURL = apiSandboxURL
		if cfg.Production {
			baseURL = apiProductionURL
		}
	}
	if cfg.Production {
		threeDURL = threeDProductionURL
	}

	return &GatewayClient{
		merchant:         cfg.Merchant,
		merchantUser:     cfg.MerchantUser,
		merchantPassword: cfg.MerchantPassword,
		secretKey:        cfg.SecretKey,
		baseURL:          baseURL,
		threeDGatewayURL: threeDURL,
		callbackURL:      cfg.CallbackURL,
		isProduction:     cfg.Production,
		httpClient:       gateway.NewHTTPClient(gateway.CreateHTTPClientConfig(baseURL, cfg.Production, 0)),
	}, nil
}

// CreateSession opens a payment session and returns its token
func (g *GatewayClient) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.SessionResult, error) {
	if req.MerchantPaymentID == "" {
		return nil, errors.New("msu: merchantPaymentId is required")
	}
	if req.Amount <= 0 {
		return nil, errors.New("msu: amount must be greater than 0")
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = g.callbackURL
	}

	formData := map[string]string{
		"ACTION":            actionSession,
		"SESSIONTYPE":       sessionTypePayment,
		"MERCHANT":          g.merchant,
		"MERCHANTUSER":      g.merchantUser,
		"MERCHANTPASSWORD":  g.merchantPassword,
		"MERCHANTPAYMENTID": req.MerchantPaymentID,
		"AMOUNT":            fmt.Sprintf("%.2f", req.Amount),
		"CURRENCY":          req.Currency,
		"CUSTOMER":          req.Customer.ID,
		"CUSTOMEREMAIL":     req.Customer.Email,
		"CUSTOMERNAME":      req.Customer.Name,
		"CUSTOMERPHONE":     req.Customer.PhoneNumber,
		"RETURNURL":         returnURL,
	}
	if req.Customer.IPAddress != "" {
		formData["CUSTOMERIP"] = req.Customer.IPAddress
	}
	if items := buildOrderItems(req.Items); items != "" {
		formData["ORDERITEMS"] = items
	}

	resp, err := g.sendFormRequest(ctx, actionSession, formData)
	if err != nil {
		return nil, err
	}

	token, _ := resp["sessionToken"].(string)
	if token == "" {
		return nil, &gateway.Error{
			Action:  actionSession,
			Message: "session created without a token",
		}
	}

	return &gateway.SessionResult{Token: token, Raw: resp}, nil
}

// Initiate3DAuth builds the auto-submitting 3D Secure form for a session.
// Card fields go straight into the form the browser posts to the bank;
// they are never sent through the merchant API channel.
func (g *GatewayClient) Initiate3DAuth(ctx context.Context, merchantPaymentID, sessionToken string, card payment.CardInfo) (*gateway.AuthArtifact, error) {
	if merchantPaymentID == "" || sessionToken == "" {
		return nil, errors.New("msu: merchantPaymentId and sessionToken are required")
	}
	if card.Number == "" || card.CVC == "" || card.ExpiryMonth == "" || card.ExpiryYear == "" {
		return nil, errors.New("msu: complete card information is required for 3D authentication")
	}

	expYear := card.ExpiryYear
	if len(expYear) > 2 {
		expYear = expYear[len(expYear)-2:]
	}

	formParams := map[string]string{
		"ACTION":                          actionSale,
		"MERCHANT":                        g.merchant,
		"MERCHANTPAYMENTID":               merchantPaymentID,
		"SESSIONTOKEN":                    sessionToken,
		"PAN":                             card.Number,
		"CVV2":                            card.CVC,
		"CARDOWNER":                       card.HolderName,
		"ECOM_PAYMENT_CARD_EXPDATE_MONTH": card.ExpiryMonth,
		"ECOM_PAYMENT_CARD_EXPDATE_YEAR":  expYear,
		"LANG":                            "tr",
		"STORE_TYPE":                      "3D_PAY",
		"HASHALGORITHM":                   "ver3",
	}
	formParams["RETURNURL"] = g.callbackURL
	formParams["FAILURL"] = g.callbackURL

	hash, err := g.calculateHash(formParams)
	if err != nil {
		return nil, fmt.Errorf("msu: failed to calculate 3D hash: %w", err)
	}
	formParams["HASH"] = hash

	html := g.generate3DSecureHTML(formParams)
	if len(html) < minArtifactLength {
		return nil, &gateway.Error{
			Action:  actionSale,
			Message: "malformed 3D authentication artifact",
		}
	}

	return &gateway.AuthArtifact{Content: html, IsRedirect: false}, nil
}

// QueryTransactionStatus asks MSU for the latest known state of a payment
func (g *GatewayClient) QueryTransactionStatus(ctx context.Context, merchantPaymentID string) (*payment.TransactionStatus, error) {
	if merchantPaymentID == "" {
		return nil, errors.New("msu: merchantPaymentId is required")
	}

	formData := map[string]string{
		"ACTION":            actionQueryTransaction,
		"MERCHANT":          g.merchant,
		"MERCHANTUSER":      g.merchantUser,
		"MERCHANTPASSWORD":  g.merchantPassword,
		"MERCHANTPAYMENTID": merchantPaymentID,
	}

	resp, err := g.sendFormRequest(ctx, actionQueryTransaction, formData)
	if err != nil {
		return nil, err
	}

	return mapToTransactionStatus(resp), nil
}

// sendFormRequest posts form data to the MSU API, retrying transient
// transport failures a bounded number of times
func (g *GatewayClient) sendFormRequest(ctx context.Context, action string, formData map[string]string) (map[string]any, error) {
	httpReq := &gateway.HTTPRequest{
		Method:   "POST",
		Endpoint: g.baseURL,
		FormData: formData,
		Headers: map[string]string{
			"Accept": "application/json",
		},
	}

	var lastErr error
	for attempt := 1; attempt <= maxTransientAttempts; attempt++ {
		resp, err := g.httpClient.SendForm(ctx, httpReq)
		if err != nil {
			transient := resp == nil || resp.StatusCode >= 500
			gerr := &gateway.Error{Action: action, Message: err.Error(), Transient: transient}
			if !transient || ctx.Err() != nil {
				return nil, gerr
			}
			lastErr = gerr
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
			continue
		}

		var responseData map[string]any
		if err := g.httpClient.ParseJSONResponse(resp, &responseData); err != nil {
			return nil, &gateway.Error{Action: action, Message: fmt.Sprintf("failed to parse response: %v", err)}
		}

		responseCode, _ := responseData["responseCode"].(string)
		if responseCode != "00" {
			msg, _ := responseData["responseMsg"].(string)
			if msg == "" {
				msg = "request rejected"
			}
			return nil, &gateway.Error{Action: action, Code: responseCode, Message: msg}
		}

		return responseData, nil
	}

	return nil, lastErr
}

// buildOrderItems serializes order lines into the pipe-separated format
// the session API expects
func buildOrderItems(items []payment.OrderItem) string {
	if len(items) == 0 {
		return ""
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s;%s;%.2f;%d", item.ID, item.Name, item.Price, item.Quantity))
	}
	return strings.Join(parts, "|")
}

// mapToTransactionStatus maps an MSU query response to the common status shape
func mapToTransactionStatus(resp map[string]any) *payment.TransactionStatus {
	status := &payment.TransactionStatus{Raw: resp}

	record := resp
	if list, ok := resp["transactionList"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			record = first
		}
	}

	if s, ok := record["transactionStatus"].(string); ok {
		status.Status = s
	}
	if id, ok := record["pgTranId"].(string); ok {
		status.TransactionID = id
	}
	switch amount := record["amount"].(type) {
	case float64:
		status.Amount = amount
	case string:
		if parsed, err := strconv.ParseFloat(amount, 64); err == nil {
			status.Amount = parsed
		}
	}

	upper := strings.ToUpper(status.Status)
	status.Approved = upper == "AP" || upper == "APPROVED"

	return status
}

// calculateHash calculates the SHA512 form hash (ver3 format)
func (g *GatewayClient) calculateHash(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		lowerKey := strings.ToLower(k)
		// Skip hash and encoding parameters
		if lowerKey != "hash" && lowerKey != "encoding" {
			keys = append(keys, k)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var hashVal strings.Builder
	for _, key := range keys {
		value := params[key]
		// Escape | and \ characters
		escapedValue := strings.ReplaceAll(value, "\\", "\\\\")
		escapedValue = strings.ReplaceAll(escapedValue, "|", "\\|")
		hashVal.WriteString(escapedValue)
		hashVal.WriteString("|")
	}

	escapedSecretKey := strings.ReplaceAll(g.secretKey, "\\", "\\\\")
	escapedSecretKey = strings.ReplaceAll(escapedSecretKey, "|", "\\|")
	hashVal.WriteString(escapedSecretKey)

	hashBytes := sha512.Sum512([]byte(hashVal.String()))
	hexHash := hex.EncodeToString(hashBytes[:])

	hashBytesFromHex := make([]byte, len(hexHash)/2)
	if _, err := hex.Decode(hashBytesFromHex, []byte(hexHash)); err != nil {
		return "", fmt.Errorf("failed to decode hex hash: %w", err)
	}

	return base64.StdEncoding.EncodeToString(hashBytesFromHex), nil
}

// generate3DSecureHTML generates the auto-submitting form for 3D Secure
func (g *GatewayClient) generate3DSecureHTML(params map[string]string) string {
	var formFields strings.Builder
	for key, value := range params {
		formFields.WriteString(fmt.Sprintf(`<input type="hidden" name="%s" value="%s" />`, key, value))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<title>3D Secure Authentication</title>
	<meta charset="utf-8">
	<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">
</head>
<body onload="document.threeDForm.submit();">
	<div style="text-align: center; margin-top: 50px;">
		<p>Ödeme işleminiz 3D güvenlik sayfasına yönlendiriliyor...</p>
		<p>Payment is being redirected to 3D secure page...</p>
	</div>
	<form name="threeDForm" method="POST" action="%s">
		%s
	</form>
</body>
</html>`, g.threeDGatewayURL, formFields.String())
}

package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

const gatewayTokenKey = "gateway:auth_token"

// PaymentGateway talks to the hosted payment provider: token issuance,
// order/payment-key creation and webhook signature verification. All calls
// are bounded by the client timeout; the provider's retry policy is relied
// on for redelivery.
type PaymentGateway struct {
	redis         *redis.Client
	client        *http.Client
	baseURL       string
	clientID      string
	clientSecret  string
	webhookSecret string
	checkoutBase  string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

func NewPaymentGateway(redisClient *redis.Client) *PaymentGateway {
	viper.SetDefault("gateway.base_url", "https://api.payprovider.example.com")
	viper.SetDefault("gateway.timeout", 10*time.Second)

	return &PaymentGateway{
		redis:         redisClient,
		client:        &http.Client{Timeout: viper.GetDuration("gateway.timeout")},
		baseURL:       viper.GetString("gateway.base_url"),
		clientID:      viper.GetString("gateway.client_id"),
		clientSecret:  viper.GetString("gateway.client_secret"),
		webhookSecret: viper.GetString("gateway.webhook_secret"),
		checkoutBase:  viper.GetString("gateway.checkout_base_url"),
	}
}

// WebhookPayload is the provider's payment notification. Field order in
// serializeWebhook is part of the signature contract and must not change.
type WebhookPayload struct {
	AmountCents     int64  `json:"amount_cents"`
	CreatedAt       string `json:"created_at"`
	Currency        string `json:"currency"`
	MaskedCard      string `json:"masked_card"`
	OrderID         string `json:"order_id"`
	PaymentKey      string `json:"payment_key"`
	TransactionFlag string `json:"transaction_flag"`
	Status          string `json:"status"`
	Success         bool   `json:"success"`
}

type orderResponse struct {
	OrderID    string `json:"order_id"`
	PaymentKey string `json:"payment_key"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Authenticate returns a provider API token, refreshed proactively one
// minute before expiry. Cached in redis so workers share one token.
func (g *PaymentGateway) Authenticate(ctx context.Context) (string, error) {
	if g.redis != nil {
		if token, err := g.redis.Get(ctx, gatewayTokenKey).Result(); err == nil && token != "" {
			return token, nil
		}
	} else {
		g.mu.Lock()
		if g.cachedToken != "" && time.Now().Before(g.tokenExpiry) {
			token := g.cachedToken
			g.mu.Unlock()
			return token, nil
		}
		g.mu.Unlock()
	}

	body, _ := json.Marshal(map[string]string{
		"client_id":     g.clientID,
		"client_secret": g.clientSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[GATEWAY] Token request failed: %v", err)
		return "", ErrGatewayUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[GATEWAY] Token request returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return "", ErrGatewayUnavailable
		}
		return "", ErrGatewayRejected
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", ErrGatewayUnavailable
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}

	if g.redis != nil {
		if err := g.redis.Set(ctx, gatewayTokenKey, tok.Token, ttl).Err(); err != nil {
			log.Printf("[GATEWAY] Failed to cache token: %v", err)
		}
	} else {
		g.mu.Lock()
		g.cachedToken = tok.Token
		g.tokenExpiry = time.Now().Add(ttl)
		g.mu.Unlock()
	}

	return tok.Token, nil
}

// CreateOrderAndPaymentKey opens a provider order for the amount and returns
// the order id plus a redirectable payment key. Must never be blindly
// retried by callers: a timeout may have created an order on the provider.
func (g *PaymentGateway) CreateOrderAndPaymentKey(ctx context.Context, amountCents int64, buyerID, reference string) (string, string, error) {
	token, err := g.Authenticate(ctx)
	if err != nil {
		return "", "", err
	}

	body, _ := json.Marshal(map[string]any{
		"amount_cents": amountCents,
		"currency":     "USD",
		"customer_id":  buyerID,
		"reference":    reference,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[GATEWAY] Order creation failed: %v", err)
		return "", "", ErrGatewayUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500:
		log.Printf("[GATEWAY] Order creation returned status %d", resp.StatusCode)
		return "", "", ErrGatewayUnavailable
	default:
		log.Printf("[GATEWAY] Order rejected with status %d", resp.StatusCode)
		return "", "", ErrGatewayRejected
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return "", "", ErrGatewayUnavailable
	}

	if order.OrderID == "" || order.PaymentKey == "" {
		return "", "", ErrGatewayRejected
	}

	return order.OrderID, order.PaymentKey, nil
}

// VerifyWebhookSignature recomputes the HMAC-SHA512 over the fixed field
// order and compares in constant time. Any mismatch is a hard rejection.
func (g *PaymentGateway) VerifyWebhookSignature(payload *WebhookPayload, signature string) bool {
	mac := hmac.New(sha512.New, []byte(g.webhookSecret))
	mac.Write(serializeWebhook(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	expectedRaw, _ := hex.DecodeString(expected)
	return hmac.Equal(expectedRaw, provided)
}

// Sign computes the signature for a payload. Used by tests and by the
// sandbox replay tool; production signatures come from the provider.
func (g *PaymentGateway) Sign(payload *WebhookPayload) string {
	mac := hmac.New(sha512.New, []byte(g.webhookSecret))
	mac.Write(serializeWebhook(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func serializeWebhook(p *WebhookPayload) []byte {
	data := []byte{}
	data = append(data, []byte(strconv.FormatInt(p.AmountCents, 10))...)
	data = append(data, []byte(p.CreatedAt)...)
	data = append(data, []byte(p.Currency)...)
	data = append(data, []byte(p.MaskedCard)...)
	data = append(data, []byte(p.OrderID)...)
	data = append(data, []byte(p.PaymentKey)...)
	data = append(data, []byte(p.TransactionFlag)...)
	data = append(data, []byte(p.Status)...)
	data = append(data, []byte(strconv.FormatBool(p.Success))...)
	return data
}

// CheckoutURL builds the hosted checkout redirect for a payment key.
func (g *PaymentGateway) CheckoutURL(paymentKey string) string {
	base := g.checkoutBase
	if base == "" {
		base = g.baseURL + "/checkout"
	}
	return fmt.Sprintf("%s?key=%s", base, paymentKey)
}

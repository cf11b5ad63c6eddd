package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.paystack.co"

type InitializeRequest struct {
	Email       string                 `json:"email"`
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency,omitempty"`
	Reference   string                 `json:"reference"`
	CallbackURL string                 `json:"callback_url,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type Session struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type Bank struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

type RecipientRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Currency      string `json:"currency"`
}

type TransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
	Currency  string `json:"currency,omitempty"`
}

type Transfer struct {
	ID           int64  `json:"id"`
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the Paystack REST API. Amounts are in minor units (kobo).
type Client struct {
	SecretKey string
	BaseURL   string
	HTTP      *http.Client
	Retry     RetryPolicy

	banks *bankCache
}

func NewClient(secretKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		SecretKey: secretKey,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      &http.Client{Timeout: timeout},
		Retry:     DefaultRetryPolicy,
		banks:     newBankCache(24 * time.Hour),
	}
}

func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", req, &session); err != nil {
		return nil, fmt.Errorf("initialize transaction %s: %w", req.Reference, err)
	}
	return &session, nil
}

func (c *Client) ListBanks(ctx context.Context, currency string) ([]Bank, error) {
	path := "/bank"
	if currency != "" {
		path += "?currency=" + currency
	}
	var banks []Bank
	if err := c.do(ctx, http.MethodGet, path, nil, &banks); err != nil {
		return nil, fmt.Errorf("list banks: %w", err)
	}
	return banks, nil
}

// ResolveBankCode maps a bank display name to its gateway code using the cached bank list.
func (c *Client) ResolveBankCode(ctx context.Context, bankName, currency string) (string, error) {
	banks, err := c.banks.get(func() ([]Bank, error) { return c.ListBanks(ctx, currency) })
	if err != nil {
		return "", err
	}
	want := strings.ToLower(strings.TrimSpace(bankName))
	for _, b := range banks {
		if strings.ToLower(b.Name) == want {
			return b.Code, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBank, bankName)
}

func (c *Client) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	if req.Type == "" {
		req.Type = "nuban"
	}
	var out struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", req, &out); err != nil {
		return "", fmt.Errorf("create transfer recipient: %w", err)
	}
	return out.RecipientCode, nil
}

func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.Source == "" {
		req.Source = "balance"
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &out); err != nil {
		return nil, fmt.Errorf("initiate transfer %s: %w", req.Reference, err)
	}
	return &out, nil
}

// VerifyTransfer looks up a transfer by the reference it was initiated with. A reference the
// gateway has never seen comes back as an *APIError with status 404.
func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return nil, fmt.Errorf("verify transfer %s: %w", reference, err)
	}
	return &out, nil
}

// Settled reports whether the transfer has left, or is leaving, the balance.
func (t *Transfer) Settled() bool {
	switch t.Status {
	case "failed", "reversed", "abandoned", "rejected":
		return false
	}
	return t.Status != ""
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return c.Retry.Do(ctx, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.SecretKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		var env envelope
		decodeErr := json.Unmarshal(raw, &env)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 || decodeErr != nil || !env.Status {
			msg := env.Message
			if msg == "" {
				msg = strings.TrimSpace(string(raw))
			}
			log.Printf("Paystack %s %s failed: Status %d, Message: %s", method, path, resp.StatusCode, msg)
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

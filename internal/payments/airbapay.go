package payments

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
)

const defaultAirbapayPublicKeyURL = "https://ps.airbapay.kz/acquiring/sign/public.pem"

type AirbapayConfig struct {
	Username   string
	Password   string
	TerminalID string

	// Acquiring API base, e.g. https://ps.airbapay.kz/acquiring-api
	BaseURL string

	SuccessBackURL string
	FailureBackURL string
	CallbackURL    string

	Currency     string
	DefaultEmail string
	DefaultPhone string // 7XXXXXXXXXX

	// Webhook verification. Bodies carrying a "sign" field are checked with
	// the RSA public key; unsigned bodies need an X-Signature HMAC made with
	// WebhookSecret.
	PublicKey     *rsa.PublicKey
	PublicKeyPEM  []byte
	PublicKeyURL  string
	WebhookSecret string

	Client *http.Client
	Logger *slog.Logger
}

// AirbapayGateway settles card payments through the AirbaPay acquiring API.
type AirbapayGateway struct {
	username   string
	password   string
	terminalID string
	baseURL    *url.URL

	successBackURL string
	failureBackURL string
	callbackURL    string

	currency string
	defEmail string
	defPhone string

	webhookSecret string
	publicKeyURL  string
	publicKeyPEM  []byte

	httpClient *http.Client
	logger     *slog.Logger

	// jwt cache
	mu          sync.Mutex
	accessToken string
	tokenExp    time.Time

	pubKeyOnce sync.Once
	pubKeyErr  error
	pubKey     *rsa.PublicKey
}

func NewAirbapayGateway(cfg AirbapayConfig) (*AirbapayGateway, error) {
	if strings.TrimSpace(cfg.Username) == "" ||
		strings.TrimSpace(cfg.Password) == "" ||
		strings.TrimSpace(cfg.TerminalID) == "" ||
		strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("airbapay: username/password/terminal_id/base_url are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "KZT"
	}
	keyURL := cfg.PublicKeyURL
	if keyURL == "" {
		keyURL = defaultAirbapayPublicKeyURL
	}

	g := &AirbapayGateway{
		username:       cfg.Username,
		password:       cfg.Password,
		terminalID:     cfg.TerminalID,
		baseURL:        u,
		successBackURL: cfg.SuccessBackURL,
		failureBackURL: cfg.FailureBackURL,
		callbackURL:    cfg.CallbackURL,
		currency:       currency,
		defEmail:       cfg.DefaultEmail,
		defPhone:       cfg.DefaultPhone,
		webhookSecret:  cfg.WebhookSecret,
		publicKeyURL:   keyURL,
		publicKeyPEM:   cfg.PublicKeyPEM,
		pubKey:         cfg.PublicKey,
		httpClient:     client,
		logger:         logger,
	}
	logger.Info("AirbaPay initialized",
		"baseURL", safeURL(g.baseURL),
		"callbackURL_set", g.callbackURL != "",
		"hmac_webhooks", g.webhookSecret != "",
	)
	return g, nil
}

func (g *AirbapayGateway) Method() models.PaymentMethod { return models.PaymentMethodCard }

// ------- AUTH (JWT) -------

func (g *AirbapayGateway) ensureToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accessToken != "" && time.Until(g.tokenExp) > 2*time.Minute {
		return g.accessToken, nil
	}
	type signInReq struct {
		User       string `json:"user"`
		Password   string `json:"password"`
		TerminalID string `json:"terminal_id"`
	}
	type signInResp struct {
		AccessToken string `json:"access_token"`
	}

	body, _ := json.Marshal(signInReq{
		User:       g.username,
		Password:   g.password,
		TerminalID: g.terminalID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint("/api/v1/auth/sign-in"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: auth request: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	var out signInResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth decode: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("airbapay auth: empty access_token")
	}
	// ttl is not always returned, 55 minutes is the documented lifetime
	g.accessToken = out.AccessToken
	g.tokenExp = time.Now().Add(55 * time.Minute)
	return g.accessToken, nil
}

// ------- PAYMENTS v2 -------

type paymentV2Request struct {
	InvoiceID       string      `json:"invoice_id"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	Description     string      `json:"description,omitempty"`
	Email           string      `json:"email,omitempty"`
	Phone           string      `json:"phone,omitempty"`
	Language        string      `json:"language,omitempty"`
	AutoCharge      int         `json:"auto_charge"` // 1=one-stage, 0=two-stage
	SuccessBackURL  string      `json:"success_back_url"`
	FailureBackURL  string      `json:"failure_back_url"`
	SuccessCallback string      `json:"success_callback"`
	FailureCallback string      `json:"failure_callback"`
}

type paymentV2Response struct {
	ID          string `json:"id"`
	InvoiceID   string `json:"invoice_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

// CreateIntent opens an AirbaPay payment. The AirbaPay invoice_id is
// "<paymentID>_<attempt>", so every retry of the same payment gets a fresh
// provider transaction that still points back at the payment.
func (g *AirbapayGateway) CreateIntent(ctx context.Context, in IntentRequest) (Intent, error) {
	logger := g.logger.With("op", "CreateIntent", "payment_id", in.PaymentID)
	token, err := g.ensureToken(ctx)
	if err != nil {
		return Intent{}, err
	}

	email := in.Email
	if email == "" {
		email = g.defEmail
	}
	reqBody := paymentV2Request{
		InvoiceID:       airbapayInvoiceID(in.PaymentID),
		Amount:          json.Number(in.Amount.StringFixed(2)),
		Currency:        g.currency,
		Description:     in.Description,
		Email:           email,
		Phone:           g.defPhone,
		Language:        "ru",
		AutoCharge:      1,
		SuccessBackURL:  g.successBackURL,
		FailureBackURL:  g.failureBackURL,
		SuccessCallback: g.callbackURL,
		FailureCallback: g.callbackURL,
	}
	body, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint("/api/v2/payments"), bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: payments v2 request: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	logger.Debug("payments v2 raw", "status", resp.Status, "body", trim(string(b), 2000))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Intent{}, &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}

	var out paymentV2Response
	if err := json.Unmarshal(b, &out); err != nil {
		return Intent{}, fmt.Errorf("decode payments v2: %w", err)
	}
	if strings.TrimSpace(out.RedirectURL) == "" || strings.TrimSpace(out.ID) == "" {
		return Intent{}, fmt.Errorf("payments v2: empty redirect_url or id")
	}
	logger.Info("airbapay intent opened", "reference", out.ID, "status", out.Status)
	return Intent{Reference: out.ID, Handle: out.RedirectURL}, nil
}

type paymentStatusResponse struct {
	ID        string          `json:"id"`
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Email     string          `json:"email"`
}

// Confirm reads the payment state. Two-stage payments in the "auth" state are
// charged on the spot.
func (g *AirbapayGateway) Confirm(ctx context.Context, in ConfirmRequest) (models.ProviderConfirmation, error) {
	token, err := g.ensureToken(ctx)
	if err != nil {
		return models.ProviderConfirmation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint("/api/v1/payments/"+in.Reference), nil)
	if err != nil {
		return models.ProviderConfirmation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.ProviderConfirmation{}, fmt.Errorf("%w: payment status: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return models.ProviderConfirmation{}, &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	var out paymentStatusResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return models.ProviderConfirmation{}, fmt.Errorf("decode payment status: %w", err)
	}
	if id, ok := paymentIDFromAirbapayInvoice(out.InvoiceID); ok && id != in.PaymentID {
		return models.ProviderConfirmation{}, fmt.Errorf("%w: provider invoice %q", models.ErrReferenceMismatch, out.InvoiceID)
	}

	conf := models.ProviderConfirmation{
		Provider:   models.PaymentMethodCard,
		ID:         out.ID,
		Status:     airbapayStatus(out.Status),
		Amount:     out.Amount,
		PayerEmail: out.Email,
	}
	if strings.EqualFold(out.Status, "auth") {
		if !in.Amount.IsZero() && !out.Amount.Equal(in.Amount) {
			g.logger.Warn("airbapay authorised amount differs", "payment_id", in.PaymentID,
				"authorised", out.Amount.String(), "expected", in.Amount.StringFixed(2))
			return models.ProviderConfirmation{}, fmt.Errorf("%w: authorised %s, expected %s",
				models.ErrAmountMismatch, out.Amount.String(), in.Amount.StringFixed(2))
		}
		amount := in.Amount
		if amount.IsZero() {
			amount = out.Amount
		}
		err := g.charge(ctx, token, out.ID, amount)
		if err != nil && !errors.Is(err, models.ErrAlreadyCaptured) {
			return models.ProviderConfirmation{}, err
		}
		conf.Status = models.ConfirmationPaid
		conf.CapturedAt = time.Now().UTC()
		return conf, err
	}
	if conf.Status == models.ConfirmationPaid {
		conf.CapturedAt = time.Now().UTC()
	}
	return conf, nil
}

func (g *AirbapayGateway) charge(ctx context.Context, token, id string, amount decimal.Decimal) error {
	body, _ := json.Marshal(map[string]any{"id": id, "amount": json.Number(amount.StringFixed(2))})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.endpoint("/api/v1/payments/charge"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: charge: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return models.ErrAlreadyCaptured
	default:
		b, _ := io.ReadAll(resp.Body)
		return &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
}

func airbapayStatus(status string) models.ConfirmationStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "paid", "done", "approved":
		return models.ConfirmationPaid
	case "failure", "failed", "cancelled", "canceled", "rejected", "error", "refund", "return":
		return models.ConfirmationFailed
	default:
		return models.ConfirmationPending
	}
}

// ------- CALLBACK (webhook) -------

type WebhookPayload struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	Email       string          `json:"email"`
	Sign        string          `json:"sign"`
}

func (p *WebhookPayload) UnmarshalJSON(data []byte) error {
	type rawPayload struct {
		ID             string          `json:"id"`
		InvoiceID      string          `json:"invoice_id"`
		InvoiceIDCamel string          `json:"invoiceId"`
		Amount         decimal.Decimal `json:"amount"`
		Currency       string          `json:"currency"`
		Status         string          `json:"status"`
		Description    string          `json:"description"`
		Email          string          `json:"email"`
		Sign           string          `json:"sign"`
	}

	var raw rawPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	invoiceID := strings.TrimSpace(raw.InvoiceID)
	if invoiceID == "" {
		invoiceID = strings.TrimSpace(raw.InvoiceIDCamel)
	}

	p.ID = strings.TrimSpace(raw.ID)
	p.InvoiceID = invoiceID
	p.Amount = raw.Amount
	p.Currency = strings.TrimSpace(raw.Currency)
	p.Status = strings.TrimSpace(raw.Status)
	p.Description = strings.TrimSpace(raw.Description)
	p.Email = strings.TrimSpace(raw.Email)
	p.Sign = strings.TrimSpace(raw.Sign)
	return nil
}

// signedString is the concatenation AirbaPay signs:
// id+invoice_id+amount+currency+status+description.
func (p *WebhookPayload) signedString() string {
	return p.ID + p.InvoiceID + p.Amount.String() + p.Currency + p.Status + p.Description
}

// ParseEvent verifies an AirbaPay callback and maps it to an Event.
func (g *AirbapayGateway) ParseEvent(raw []byte, signature string) (Event, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("%w: decode callback: %v", models.ErrInvalidInput, err)
	}
	if err := g.verifyCallback(&p, raw, signature); err != nil {
		return Event{}, err
	}
	if airbapayStatus(p.Status) != models.ConfirmationPaid {
		g.logger.Info("airbapay callback ignored", "id", p.ID, "invoice_id", p.InvoiceID, "status", p.Status)
		return Event{Kind: EventIgnored, Reference: p.ID}, nil
	}
	paymentID, ok := paymentIDFromAirbapayInvoice(p.InvoiceID)
	if !ok {
		return Event{}, fmt.Errorf("%w: invoice_id %q", models.ErrInvalidInput, p.InvoiceID)
	}
	return Event{
		Kind:      EventPaymentSucceeded,
		PaymentID: paymentID,
		Reference: p.ID,
		Confirmation: models.ProviderConfirmation{
			Provider:   models.PaymentMethodCard,
			ID:         p.ID,
			Status:     models.ConfirmationPaid,
			Amount:     p.Amount,
			PayerEmail: p.Email,
			CapturedAt: time.Now().UTC(),
		},
	}, nil
}

func (g *AirbapayGateway) verifyCallback(p *WebhookPayload, raw []byte, signature string) error {
	if p.Sign != "" {
		if err := g.loadPublicKeyOnce(); err != nil {
			g.logger.Error("load public key failed", "err", err)
			return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
		}
		sig, err := base64.StdEncoding.DecodeString(p.Sign)
		if err != nil {
			return models.ErrInvalidSignature
		}
		h := sha256.Sum256([]byte(p.signedString()))
		if err := rsa.VerifyPKCS1v15(g.pubKey, crypto.SHA256, h[:], sig); err != nil {
			return models.ErrInvalidSignature
		}
		return nil
	}
	if g.webhookSecret != "" && signature != "" && VerifyHMAC(raw, signature, g.webhookSecret) {
		return nil
	}
	return models.ErrInvalidSignature
}

func (g *AirbapayGateway) loadPublicKeyOnce() error {
	g.pubKeyOnce.Do(func() {
		if g.pubKey != nil {
			return
		}
		data := g.publicKeyPEM
		if len(data) == 0 {
			resp, err := g.httpClient.Get(g.publicKeyURL)
			if err != nil {
				g.pubKeyErr = err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				g.pubKeyErr = fmt.Errorf("get public key: %s", resp.Status)
				return
			}
			data, _ = io.ReadAll(resp.Body)
		}
		g.pubKey, g.pubKeyErr = parseRSAPublicKey(data)
	})
	return g.pubKeyErr
}

func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("pem decode failed")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rk, nil
}

// ---------- helpers ----------

func airbapayInvoiceID(paymentID int64) string {
	return strconv.FormatInt(paymentID, 10) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func paymentIDFromAirbapayInvoice(invoiceID string) (int64, bool) {
	head, _, _ := strings.Cut(strings.TrimSpace(invoiceID), "_")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (g *AirbapayGateway) endpoint(p string) string {
	endpoint := *g.baseURL
	endpoint.Path = path.Join(endpoint.Path, p)
	return endpoint.String()
}

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}

// AirbapayError is a non-success AirbaPay API response. 5xx responses unwrap
// to models.ErrProviderUnavailable.
type AirbapayError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *AirbapayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("airbapay error: %s", e.Status)
	}
	return fmt.Sprintf("airbapay error: %s: %s", e.Status, bt)
}

func (e *AirbapayError) Unwrap() error {
	if e != nil && e.StatusCode >= 500 {
		return models.ErrProviderUnavailable
	}
	return nil
}

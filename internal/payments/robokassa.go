package payments

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
)

const (
	defaultRobokassaPayURL     = "https://auth.robokassa.ru/Merchant/Index.aspx"
	defaultRobokassaServiceURL = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx"

	// custom parameter carrying the provider reference
	robokassaRefParam = "Shp_ref"
)

type RobokassaConfig struct {
	MerchantLogin string

	Password1 string
	Password2 string

	TestPassword1 string
	TestPassword2 string

	BaseURL    string // e.g. https://auth.robokassa.ru/Merchant/Index.aspx or .kz
	ServiceURL string // XML web service root, OpStateExt lives under it
	IsTest     bool

	Client *http.Client
	Logger *slog.Logger
}

// RobokassaGateway settles wallet payments through Robokassa.
type RobokassaGateway struct {
	cfg        RobokassaConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRobokassaGateway(cfg RobokassaConfig) (*RobokassaGateway, error) {
	if strings.TrimSpace(cfg.MerchantLogin) == "" || cfg.Password1 == "" || cfg.Password2 == "" {
		return nil, fmt.Errorf("robokassa: merchant_login/password1/password2 are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRobokassaPayURL
	}
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = defaultRobokassaServiceURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RobokassaGateway{cfg: cfg, httpClient: client, logger: logger}, nil
}

func (g *RobokassaGateway) Method() models.PaymentMethod { return models.PaymentMethodWallet }

func (g *RobokassaGateway) pass1() string {
	if g.cfg.IsTest && g.cfg.TestPassword1 != "" {
		return g.cfg.TestPassword1
	}
	return g.cfg.Password1
}

func (g *RobokassaGateway) pass2(isTest bool) string {
	if isTest && g.cfg.TestPassword2 != "" {
		return g.cfg.TestPassword2
	}
	return g.cfg.Password2
}

// CreateIntent builds the signed pay URL. Nothing is sent to Robokassa until
// the payer opens it.
func (g *RobokassaGateway) CreateIntent(_ context.Context, in IntentRequest) (Intent, error) {
	ref := uuid.NewString()
	outSum := in.Amount.StringFixed(2)
	invID := strconv.FormatInt(in.PaymentID, 10)

	// md5(MerchantLogin:OutSum:InvId:Password1:Shp_ref=<ref>)
	sig := md5Hex(g.cfg.MerchantLogin, outSum, invID, g.pass1(), robokassaRefParam+"="+ref)

	params := url.Values{}
	params.Set("MerchantLogin", g.cfg.MerchantLogin)
	params.Set("OutSum", outSum)
	params.Set("InvId", invID)
	params.Set("Description", in.Description)
	params.Set("SignatureValue", strings.ToUpper(sig))
	params.Set(robokassaRefParam, ref)
	if in.Email != "" {
		params.Set("Email", in.Email)
	}
	if g.cfg.IsTest {
		params.Set("IsTest", "1")
	}
	return Intent{Reference: ref, Handle: g.cfg.BaseURL + "?" + params.Encode()}, nil
}

type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code      int    `xml:"Code"`
		StateDate string `xml:"StateDate"`
	} `xml:"State"`
	Info struct {
		OutSum string `xml:"OutSum"`
		IncSum string `xml:"IncSum"`
		Email  string `xml:"IncAccount"`
	} `xml:"Info"`
	UserField struct {
		Fields []struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		} `xml:"Field"`
	} `xml:"UserField"`
}

func (r opStateResponse) userField(name string) (string, bool) {
	for _, f := range r.UserField.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Confirm queries OpStateExt for the invoice.
func (g *RobokassaGateway) Confirm(ctx context.Context, in ConfirmRequest) (models.ProviderConfirmation, error) {
	invID := strconv.FormatInt(in.PaymentID, 10)
	params := url.Values{}
	params.Set("MerchantLogin", g.cfg.MerchantLogin)
	params.Set("InvoiceID", invID)
	params.Set("Signature", md5Hex(g.cfg.MerchantLogin, invID, g.pass2(g.cfg.IsTest)))
	if g.cfg.IsTest {
		params.Set("IsTest", "1")
	}
	endpoint := strings.TrimRight(g.cfg.ServiceURL, "/") + "/OpStateExt?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.ProviderConfirmation{}, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.ProviderConfirmation{}, fmt.Errorf("%w: opstate request: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return models.ProviderConfirmation{}, fmt.Errorf("%w: opstate: %s", models.ErrProviderUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ProviderConfirmation{}, fmt.Errorf("robokassa opstate: %s: %s", resp.Status, trim(string(body), 500))
	}

	var out opStateResponse
	if err := xml.Unmarshal(body, &out); err != nil {
		return models.ProviderConfirmation{}, fmt.Errorf("decode opstate: %w", err)
	}

	conf := models.ProviderConfirmation{
		Provider:   models.PaymentMethodWallet,
		ID:         in.Reference,
		PayerEmail: out.Info.Email,
	}
	switch out.Result.Code {
	case 0:
	case 3:
		// invoice unknown to Robokassa yet: the payer never opened the pay page
		conf.Status = models.ConfirmationPending
		return conf, nil
	default:
		return models.ProviderConfirmation{}, fmt.Errorf("robokassa opstate code %d: %s", out.Result.Code, out.Result.Description)
	}

	if ref, ok := out.userField(robokassaRefParam); ok && ref != in.Reference {
		return models.ProviderConfirmation{}, fmt.Errorf("%w: robokassa ref %q", models.ErrReferenceMismatch, ref)
	}
	if out.Info.OutSum != "" {
		amount, err := decimal.NewFromString(strings.TrimSpace(out.Info.OutSum))
		if err != nil {
			return models.ProviderConfirmation{}, fmt.Errorf("decode opstate sum %q: %w", out.Info.OutSum, err)
		}
		conf.Amount = amount
	}
	conf.Status = robokassaState(out.State.Code)
	if conf.Status == models.ConfirmationPaid {
		conf.CapturedAt = time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, out.State.StateDate); err == nil {
			conf.CapturedAt = t.UTC()
		}
	}
	g.logger.Info("robokassa opstate", "payment_id", in.PaymentID, "state", out.State.Code)
	return conf, nil
}

func robokassaState(code int) models.ConfirmationStatus {
	switch code {
	case 100:
		return models.ConfirmationPaid
	case 10, 60:
		return models.ConfirmationFailed
	default: // 5, 50, 80
		return models.ConfirmationPending
	}
}

// ParseEvent verifies a Result URL callback (form encoded body). The
// signature travels inside the body as SignatureValue; the header argument is
// ignored.
func (g *RobokassaGateway) ParseEvent(raw []byte, _ string) (Event, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return Event{}, fmt.Errorf("%w: decode result form: %v", models.ErrInvalidInput, err)
	}
	outSum := form.Get("OutSum")
	invID := form.Get("InvId")
	ref := form.Get(robokassaRefParam)
	signature := form.Get("SignatureValue")
	isTest := form.Get("IsTest") == "1"
	if form.Get("IsTest") == "" && g.cfg.IsTest {
		isTest = true
	}

	// every pay URL carries Shp_ref; a callback without it cannot be matched
	if ref == "" {
		return Event{}, fmt.Errorf("%w: missing %s", models.ErrInvalidInput, robokassaRefParam)
	}

	// md5(OutSum:InvId:Password2:Shp_ref=<ref>)
	sig := md5Hex(outSum, invID, g.pass2(isTest), robokassaRefParam+"="+ref)
	if signature == "" || !strings.EqualFold(sig, signature) {
		return Event{}, models.ErrInvalidSignature
	}

	paymentID, err := strconv.ParseInt(invID, 10, 64)
	if err != nil || paymentID <= 0 {
		return Event{}, fmt.Errorf("%w: InvId %q", models.ErrInvalidInput, invID)
	}
	amount, err := decimal.NewFromString(outSum)
	if err != nil {
		return Event{}, fmt.Errorf("%w: OutSum %q", models.ErrInvalidInput, outSum)
	}
	return Event{
		Kind:      EventPaymentSucceeded,
		PaymentID: paymentID,
		Reference: ref,
		Confirmation: models.ProviderConfirmation{
			Provider:   models.PaymentMethodWallet,
			ID:         ref,
			Status:     models.ConfirmationPaid,
			Amount:     amount,
			PayerEmail: form.Get("EMail"),
			CapturedAt: time.Now().UTC(),
		},
	}, nil
}

func md5Hex(parts ...string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.Join(parts, ":"))))
}

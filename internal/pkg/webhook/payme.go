package webhook

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/env"
	"github.com/uzmarket/paygate/internal/pkg/faults"
)

// Payme Merchant API method names.
const (
	PaymeMethodCheckPerform = "CheckPerformTransaction"
	PaymeMethodCreate       = "CreateTransaction"
	PaymeMethodPerform      = "PerformTransaction"
	PaymeMethodCancel       = "CancelTransaction"
)

// paymeLogin is the fixed login Payme uses for Basic auth against merchants.
const paymeLogin = "Paycom"

type paymeRequest struct {
	ID     json.Number `json:"id"`
	Method string      `json:"method" validate:"required"`
	Params paymeParams `json:"params"`
}

type paymeParams struct {
	ID      string       `json:"id"`
	Time    int64        `json:"time"`
	Amount  int64        `json:"amount"`
	Reason  int          `json:"reason"`
	Account paymeAccount `json:"account"`
}

type paymeAccount struct {
	OrderID string `json:"order_id"`
}

// PaymeAdapter implements the Adapter capability for the Payme (Paycom)
// JSON-RPC merchant protocol.
type PaymeAdapter struct {
	merchantKey string
}

// NewPaymeAdapter creates a Payme adapter with the given merchant key.
func NewPaymeAdapter(merchantKey string) *PaymeAdapter {
	return &PaymeAdapter{merchantKey: strings.TrimSpace(merchantKey)}
}

// NewPaymeAdapterFromEnv reads PAYME_MERCHANT_KEY from the environment.
func NewPaymeAdapterFromEnv() *PaymeAdapter {
	return NewPaymeAdapter(env.GetEnv("PAYME_MERCHANT_KEY", ""))
}

func (a *PaymeAdapter) Provider() string {
	return models.ProviderPayme
}

// EventID prefers the transaction id from params, then the JSON-RPC request
// id, then a process-time fallback. The time fallback cannot deduplicate
// re-deliveries; Payme only omits both ids on malformed requests.
func (a *PaymeAdapter) EventID(body []byte) string {
	var req paymeRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if req.Params.ID != "" {
			return req.Params.ID + ":" + req.Method
		}
		if req.ID.String() != "" {
			return "req:" + req.ID.String() + ":" + req.Method
		}
	}
	return "ts:" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Verify checks the Basic auth credential Payme sends with every request
// against the merchant key. Failures are permanent: a forged delivery never
// becomes valid by retrying.
func (a *PaymeAdapter) Verify(d Delivery) error {
	if a.merchantKey == "" {
		return faults.Permanent(fmt.Errorf("%w: payme merchant key not configured", ErrAuthentication))
	}
	login, password, ok := parseBasicAuth(d.AuthHeader)
	if !ok {
		return faults.Permanent(fmt.Errorf("%w: missing or malformed authorization header", ErrAuthentication))
	}
	loginOK := subtle.ConstantTimeCompare([]byte(login), []byte(paymeLogin))
	keyOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.merchantKey))
	if loginOK&keyOK != 1 {
		return faults.Permanent(fmt.Errorf("%w: invalid merchant credentials", ErrAuthentication))
	}
	return nil
}

func (a *PaymeAdapter) Interpret(body []byte) (*DomainAction, error) {
	var req paymeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, faults.Permanent(fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}
	if err := validatePayload(&req); err != nil {
		return nil, faults.Permanent(err)
	}

	action := &DomainAction{
		Provider:      models.ProviderPayme,
		ProviderTrxID: req.Params.ID,
		OrderNumber:   req.Params.Account.OrderID,
		Amount:        req.Params.Amount,
		Reason:        req.Params.Reason,
		Timestamp:     req.Params.Time,
	}

	switch req.Method {
	case PaymeMethodCheckPerform:
		action.Kind = ActionCheckFeasibility
	case PaymeMethodCreate:
		action.Kind = ActionCreateTransaction
	case PaymeMethodPerform:
		action.Kind = ActionPerformTransaction
	case PaymeMethodCancel:
		action.Kind = ActionCancelTransaction
	default:
		return nil, faults.Permanent(fmt.Errorf("%w: payme method %q", ErrUnsupportedAction, req.Method))
	}
	return action, nil
}

func parseBasicAuth(header string) (login, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	login, password, ok = strings.Cut(string(decoded), ":")
	return login, password, ok
}

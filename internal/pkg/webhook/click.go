package webhook

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/env"
	"github.com/uzmarket/paygate/internal/pkg/faults"
)

// Click SHOP-API action codes.
const (
	ClickActionPrepare  = "0"
	ClickActionComplete = "1"
)

type clickCallback struct {
	ClickTransID      string `validate:"required"`
	ServiceID         string `validate:"required"`
	ClickPaydocID     string
	MerchantTransID   string `validate:"required"`
	MerchantPrepareID string
	Amount            string `validate:"required"`
	Action            string `validate:"required"`
	Error             string
	ErrorNote         string
	SignTime          string `validate:"required"`
	SignString        string `validate:"required"`
}

// ClickAdapter implements the Adapter capability for Click's form-encoded
// prepare/complete callbacks.
type ClickAdapter struct {
	serviceID string
	secretKey string
}

// NewClickAdapter creates a Click adapter with the given service id and
// secret key.
func NewClickAdapter(serviceID, secretKey string) *ClickAdapter {
	return &ClickAdapter{
		serviceID: strings.TrimSpace(serviceID),
		secretKey: strings.TrimSpace(secretKey),
	}
}

// NewClickAdapterFromEnv reads CLICK_SERVICE_ID and CLICK_SECRET_KEY from the
// environment.
func NewClickAdapterFromEnv() *ClickAdapter {
	return NewClickAdapter(env.GetEnv("CLICK_SERVICE_ID", ""), env.GetEnv("CLICK_SECRET_KEY", ""))
}

func (a *ClickAdapter) Provider() string {
	return models.ProviderClick
}

// EventID combines click_trans_id with the action code: Click reuses one
// transaction id across the prepare and complete phases.
func (a *ClickAdapter) EventID(body []byte) string {
	values, err := url.ParseQuery(string(body))
	if err == nil {
		if id := values.Get("click_trans_id"); id != "" {
			return id + ":" + values.Get("action")
		}
	}
	return "ts:" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Verify recomputes the MD5 sign_string over the callback fields. The
// complete phase includes merchant_prepare_id, prepare does not.
func (a *ClickAdapter) Verify(d Delivery) error {
	if a.secretKey == "" {
		return faults.Permanent(fmt.Errorf("%w: click secret key not configured", ErrAuthentication))
	}
	cb, err := parseClickCallback(d.Body)
	if err != nil {
		return faults.Permanent(err)
	}

	parts := []string{cb.ClickTransID, cb.ServiceID, a.secretKey, cb.MerchantTransID}
	if cb.Action == ClickActionComplete {
		parts = append(parts, cb.MerchantPrepareID)
	}
	parts = append(parts, cb.Amount, cb.Action, cb.SignTime)

	sum := md5.Sum([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(sum[:])
	provided := strings.ToLower(strings.TrimSpace(cb.SignString))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return faults.Permanent(fmt.Errorf("%w: click sign_string mismatch", ErrAuthentication))
	}
	return nil
}

func (a *ClickAdapter) Interpret(body []byte) (*DomainAction, error) {
	cb, err := parseClickCallback(body)
	if err != nil {
		return nil, faults.Permanent(err)
	}

	amount, err := clickAmountToTiyin(cb.Amount)
	if err != nil {
		return nil, faults.Permanent(fmt.Errorf("%w: amount %q", ErrMalformedPayload, cb.Amount))
	}

	action := &DomainAction{
		Provider:      models.ProviderClick,
		ProviderTrxID: cb.ClickTransID,
		OrderNumber:   cb.MerchantTransID,
		Amount:        amount,
	}

	errCode, _ := strconv.Atoi(cb.Error)
	switch cb.Action {
	case ClickActionPrepare:
		action.Kind = ActionCreateTransaction
	case ClickActionComplete:
		if errCode < 0 {
			action.Kind = ActionCancelTransaction
			action.Reason = errCode
		} else {
			action.Kind = ActionPerformTransaction
		}
	default:
		return nil, faults.Permanent(fmt.Errorf("%w: click action %q", ErrUnsupportedAction, cb.Action))
	}
	return action, nil
}

func parseClickCallback(body []byte) (*clickCallback, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	cb := &clickCallback{
		ClickTransID:      values.Get("click_trans_id"),
		ServiceID:         values.Get("service_id"),
		ClickPaydocID:     values.Get("click_paydoc_id"),
		MerchantTransID:   values.Get("merchant_trans_id"),
		MerchantPrepareID: values.Get("merchant_prepare_id"),
		Amount:            values.Get("amount"),
		Action:            values.Get("action"),
		Error:             values.Get("error"),
		ErrorNote:         values.Get("error_note"),
		SignTime:          values.Get("sign_time"),
		SignString:        values.Get("sign_string"),
	}
	if err := validatePayload(cb); err != nil {
		return nil, err
	}
	return cb, nil
}

// clickAmountToTiyin converts Click's decimal soum amount ("10000.00") to
// integer tiyin.
func clickAmountToTiyin(amount string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f * 100)), nil
}

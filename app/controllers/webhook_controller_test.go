package controllers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uzmarket/paygate/internal/pkg/webhook"
)

func newWebhookTestApp(t *testing.T) *fiber.App {
	t.Helper()
	registry := webhook.NewRegistry(
		webhook.NewPaymeAdapter("test-key"),
		webhook.NewClickAdapter("12345", "click-secret"),
	)
	// Store-less service: only the synchronous rejection paths are exercised.
	InitializeWebhookController(webhook.NewService(nil, registry, nil, nil, nil))

	app := fiber.New()
	app.Post("/webhooks/payme", HandlePaymeWebhook)
	app.Post("/webhooks/click", HandleClickWebhook)
	return app
}

func TestHandlePaymeWebhook_AuthRejected(t *testing.T) {
	app := newWebhookTestApp(t)

	body := `{"jsonrpc":"2.0","id":17,"method":"CreateTransaction","params":{"id":"trx-1"}}`
	req := httptest.NewRequest("POST", "/webhooks/payme", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Basic "+base64.StdEncoding.EncodeToString([]byte("Paycom:wrong-key")))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var reply struct {
		ID    json.Number `json:"id"`
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, "17", reply.ID.String())
	assert.Equal(t, paymeErrAuth, reply.Error.Code)
}

func TestHandleClickWebhook_SignCheckFailed(t *testing.T) {
	app := newWebhookTestApp(t)

	form := "click_trans_id=900001&service_id=12345&merchant_trans_id=ORD-1&amount=5000.00&action=0&error=0&sign_time=2024-01-15+10%3A30%3A00&sign_string=deadbeef"
	req := httptest.NewRequest("POST", "/webhooks/click", strings.NewReader(form))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var reply struct {
		ClickTransID    string `json:"click_trans_id"`
		MerchantTransID string `json:"merchant_trans_id"`
		Error           int    `json:"error"`
		ErrorNote       string `json:"error_note"`
	}
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, "900001", reply.ClickTransID)
	assert.Equal(t, "ORD-1", reply.MerchantTransID)
	assert.Equal(t, clickErrSignCheck, reply.Error)
	assert.Equal(t, "SIGN CHECK FAILED!", reply.ErrorNote)
}

func TestHandleClickWebhook_MissingFields(t *testing.T) {
	app := newWebhookTestApp(t)

	req := httptest.NewRequest("POST", "/webhooks/click", strings.NewReader("amount=5000.00"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

	resp, err := app.Test(req)
	require.NoError(t, err)

	var reply struct {
		Error int `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, clickErrRequest, reply.Error)
}

func TestPaymeRequestID(t *testing.T) {
	assert.Equal(t, json.RawMessage("17"), paymeRequestID([]byte(`{"id":17,"method":"x"}`)))
	assert.Equal(t, json.RawMessage(`"abc"`), paymeRequestID([]byte(`{"id":"abc"}`)))
	assert.Equal(t, json.RawMessage("null"), paymeRequestID([]byte(`not json`)))
	assert.Equal(t, json.RawMessage("null"), paymeRequestID([]byte(`{}`)))
}

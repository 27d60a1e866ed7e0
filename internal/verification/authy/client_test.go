package authy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "api-key", 2*time.Second)
}

func TestStartPhoneVerificationSendsForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/protected/json/phones/verification/start", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get(apiKeyHeader))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sms", r.PostForm.Get("via"))
		assert.Equal(t, "5551234567", r.PostForm.Get("phone_number"))
		assert.Equal(t, "1", r.PostForm.Get("country_code"))
		_, _ = w.Write([]byte(`{"success":true,"message":"Text message sent to +1 555-123-4567."}`))
	})

	msg, err := client.StartPhoneVerification(context.Background(), Phone{CountryCode: 1, Number: "5551234567"}, "sms")
	require.NoError(t, err)
	assert.Contains(t, msg, "Text message sent")
}

func TestCheckPhoneVerificationRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "000000", r.URL.Query().Get("verification_code"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"Verification code is incorrect","error_code":"60022"}`))
	})

	_, err := client.CheckPhoneVerification(context.Background(), Phone{CountryCode: 1, Number: "5551234567"}, "000000")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "60022", apiErr.ErrorCode)
	assert.True(t, IsRejection(err))
}

func TestCreateUserReturnsNumericID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/protected/json/users/new", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "a@x.com", r.PostForm.Get("user[email]"))
		_, _ = w.Write([]byte(`{"success":true,"user":{"id":1001}}`))
	})

	id, err := client.CreateUser(context.Background(), "a@x.com", Phone{CountryCode: 1, Number: "5551234567"})
	require.NoError(t, err)
	assert.Equal(t, "1001", id)
}

func TestSendApprovalRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/onetouch/json/users/1001/approval_requests", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "Request to send money", r.PostForm.Get("message"))
		assert.Equal(t, "25.00", r.PostForm.Get("details[Amount]"))
		assert.Equal(t, "P1", r.PostForm.Get("hidden_details[payment_id]"))
		assert.Equal(t, "1200", r.PostForm.Get("seconds_to_expire"))
		_, _ = w.Write([]byte(`{"success":true,"approval_request":{"uuid":"H1"}}`))
	})

	handle, err := client.SendApprovalRequest(context.Background(), "1001", ApprovalRequest{
		Message:       "Request to send money",
		Details:       map[string]string{"Amount": "25.00"},
		HiddenDetails: map[string]string{"payment_id": "P1"},
		ExpiresIn:     20 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "H1", handle)
}

func TestRequestSMSAndVerifyTokenBindAction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/protected/json/sms/1001":
			assert.Equal(t, "P2", r.URL.Query().Get("action"))
			assert.Equal(t, "true", r.URL.Query().Get("force"))
			_, _ = w.Write([]byte(`{"success":true,"message":"SMS token was sent"}`))
		case "/protected/json/verify/123456/1001":
			assert.Equal(t, "P2", r.URL.Query().Get("action"))
			_, _ = w.Write([]byte(`{"success":"true","token":"is valid"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	require.NoError(t, client.RequestSMS(ctx, "1001", "P2", "Send 25.00 to R"))
	require.NoError(t, client.VerifyToken(ctx, "1001", "123456", "P2"))
}

func TestServerErrorsAreNotRejections(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})

	err := client.RequestSMS(context.Background(), "1001", "P2", "")
	require.Error(t, err)
	assert.False(t, IsRejection(err))
}

func TestTimeoutIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "api-key", 20*time.Millisecond)

	err := client.VerifyToken(context.Background(), "1001", "123456", "P2")
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.False(t, errors.Is(err, context.Canceled))
}

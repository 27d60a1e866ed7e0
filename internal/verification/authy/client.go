// Package authy is a small client for the Authy phone verification, user,
// OneTouch and SMS token APIs, plus the OneTouch callback signature scheme.
package authy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiKeyHeader = "X-Authy-API-Key"

// APIError is an explicit rejection by the API (HTTP 4xx). Transport
// failures and 5xx responses are returned as plain errors.
type APIError struct {
	Status    int
	Message   string
	ErrorCode string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("authy: %d %s (code %s)", e.Status, e.Message, e.ErrorCode)
	}
	return fmt.Sprintf("authy: %d %s", e.Status, e.Message)
}

// IsRejection reports whether err is an APIError.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Phone is a number split the way the API expects it.
type Phone struct {
	CountryCode int32
	Number      string
}

// ApprovalRequest is a OneTouch push approval request.
type ApprovalRequest struct {
	Message       string
	Details       map[string]string
	HiddenDetails map[string]string
	ExpiresIn     time.Duration
}

// Client talks to the Authy REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client; timeout bounds every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// CallbackSecret is the key OneTouch callbacks are signed with.
func (c *Client) CallbackSecret() string {
	return c.apiKey
}

type envelope struct {
	Success   flexBool `json:"success"`
	Message   string   `json:"message"`
	ErrorCode string   `json:"error_code"`
	User      struct {
		ID json.Number `json:"id"`
	} `json:"user"`
	ApprovalRequest struct {
		UUID string `json:"uuid"`
	} `json:"approval_request"`
}

// flexBool accepts both true and "true"; the token endpoint returns a string.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("authy: invalid success flag %s", data)
	}
	*b = flexBool(v)
	return nil
}

// StartPhoneVerification sends a phone ownership code via "sms" or "call"
// and returns the provider's message.
func (c *Client) StartPhoneVerification(ctx context.Context, phone Phone, via string) (string, error) {
	form := url.Values{}
	form.Set("via", via)
	form.Set("phone_number", phone.Number)
	form.Set("country_code", strconv.Itoa(int(phone.CountryCode)))
	env, err := c.do(ctx, http.MethodPost, "/protected/json/phones/verification/start", nil, form)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// CheckPhoneVerification checks a phone ownership code.
func (c *Client) CheckPhoneVerification(ctx context.Context, phone Phone, code string) (string, error) {
	query := url.Values{}
	query.Set("phone_number", phone.Number)
	query.Set("country_code", strconv.Itoa(int(phone.CountryCode)))
	query.Set("verification_code", code)
	env, err := c.do(ctx, http.MethodGet, "/protected/json/phones/verification/check", query, nil)
	if err != nil {
		return "", err
	}
	return env.Message, nil
}

// CreateUser registers a user and returns its Authy id.
func (c *Client) CreateUser(ctx context.Context, email string, phone Phone) (string, error) {
	form := url.Values{}
	form.Set("user[email]", email)
	form.Set("user[cellphone]", phone.Number)
	form.Set("user[country_code]", strconv.Itoa(int(phone.CountryCode)))
	env, err := c.do(ctx, http.MethodPost, "/protected/json/users/new", nil, form)
	if err != nil {
		return "", err
	}
	if env.User.ID == "" {
		return "", errors.New("authy: user id missing from response")
	}
	return env.User.ID.String(), nil
}

// SendApprovalRequest creates a OneTouch request and returns its uuid.
func (c *Client) SendApprovalRequest(ctx context.Context, userID string, req ApprovalRequest) (string, error) {
	form := url.Values{}
	form.Set("message", req.Message)
	for k, v := range req.Details {
		form.Set("details["+k+"]", v)
	}
	for k, v := range req.HiddenDetails {
		form.Set("hidden_details["+k+"]", v)
	}
	if req.ExpiresIn > 0 {
		form.Set("seconds_to_expire", strconv.Itoa(int(req.ExpiresIn/time.Second)))
	}
	path := "/onetouch/json/users/" + url.PathEscape(userID) + "/approval_requests"
	env, err := c.do(ctx, http.MethodPost, path, nil, form)
	if err != nil {
		return "", err
	}
	if env.ApprovalRequest.UUID == "" {
		return "", errors.New("authy: approval request uuid missing from response")
	}
	return env.ApprovalRequest.UUID, nil
}

// RequestSMS sends a token bound to action, shown with actionMessage.
func (c *Client) RequestSMS(ctx context.Context, userID, action, actionMessage string) error {
	query := url.Values{}
	query.Set("force", "true")
	query.Set("action", action)
	if actionMessage != "" {
		query.Set("action_message", actionMessage)
	}
	_, err := c.do(ctx, http.MethodGet, "/protected/json/sms/"+url.PathEscape(userID), query, nil)
	return err
}

// VerifyToken checks a token for the given action. A wrong token is an
// APIError.
func (c *Client) VerifyToken(ctx context.Context, userID, token, action string) error {
	query := url.Values{}
	if action != "" {
		query.Set("action", action)
	}
	path := "/protected/json/verify/" + url.PathEscape(token) + "/" + url.PathEscape(userID)
	_, err := c.do(ctx, http.MethodGet, path, query, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (envelope, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return envelope{}, fmt.Errorf("authy: build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("authy: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("authy: read response: %w", err)
	}

	var env envelope
	decodeErr := json.NewDecoder(bytes.NewReader(raw)).Decode(&env)

	switch {
	case resp.StatusCode >= 500:
		return envelope{}, fmt.Errorf("authy: %s %s: server error %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return envelope{}, &APIError{Status: resp.StatusCode, Message: msg, ErrorCode: env.ErrorCode}
	case decodeErr != nil:
		return envelope{}, fmt.Errorf("authy: decode response: %w", decodeErr)
	case !bool(env.Success):
		return envelope{}, &APIError{Status: resp.StatusCode, Message: env.Message, ErrorCode: env.ErrorCode}
	}
	return env, nil
}

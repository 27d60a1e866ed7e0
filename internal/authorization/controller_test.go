package authorization

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/logging"
	"github.com/payfriend/payfriend/internal/notification"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification"
	"github.com/payfriend/payfriend/internal/verification/authy"
)

const (
	sandboxCode   = "123456"
	sandboxSecret = "callback-secret"
	callbackURL   = "https://payfriend.example/api/v1/webhooks/onetouch"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
	return nil
}

func (n *recordingNotifier) sent() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.messages...)
}

// flakyProvider fails approval requests while down is set.
type flakyProvider struct {
	*verification.SandboxProvider
	mu   sync.Mutex
	down bool
}

func (p *flakyProvider) setDown(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = v
}

func (p *flakyProvider) SendApprovalRequest(ctx context.Context, userID string, req authy.ApprovalRequest) (string, error) {
	p.mu.Lock()
	down := p.down
	p.mu.Unlock()
	if down {
		return "", errors.New("connection reset by peer")
	}
	return p.SandboxProvider.SendApprovalRequest(ctx, userID, req)
}

// fixedHandleProvider returns a predetermined push handle.
type fixedHandleProvider struct {
	*verification.SandboxProvider
	handle string
}

func (p *fixedHandleProvider) SendApprovalRequest(context.Context, string, authy.ApprovalRequest) (string, error) {
	return p.handle, nil
}

type fixture struct {
	ctrl     *Controller
	users    *identity.Service
	payments *payments.Service
	sandbox  *verification.SandboxProvider
	notifier *recordingNotifier
}

func newFixture(t *testing.T, wrap func(*verification.SandboxProvider) verification.Provider) fixture {
	t.Helper()
	sandbox := verification.NewSandboxProvider(sandboxCode, sandboxSecret, logging.Discard())
	var provider verification.Provider = sandbox
	if wrap != nil {
		provider = wrap(sandbox)
	}
	users := identity.NewService(identity.NewMemoryRepository())
	paymentSvc := payments.NewService(payments.NewMemoryRepository(), logging.Discard())
	notifier := &recordingNotifier{}
	ctrl := NewController(users, paymentSvc, verification.NewOrchestrator(provider, logging.Discard()), notifier, logging.Discard())
	return fixture{ctrl: ctrl, users: users, payments: paymentSvc, sandbox: sandbox, notifier: notifier}
}

func (f fixture) register(t *testing.T, email, phone string) Requester {
	t.Helper()
	user, err := f.users.Register(context.Background(), identity.Registration{Email: email, Password: "correct horse", Phone: phone})
	require.NoError(t, err)
	return Requester{UserID: user.ID}
}

func (f fixture) enrolled(t *testing.T, email, phone string) Requester {
	t.Helper()
	r := f.register(t, email, phone)
	ctx := context.Background()
	_, err := f.ctrl.StartEnrollment(ctx, r, verification.ChannelSMS)
	require.NoError(t, err)
	_, err = f.ctrl.CompleteEnrollment(ctx, r, sandboxCode)
	require.NoError(t, err)
	return r
}

func (f fixture) callback(t *testing.T, body string) CallbackRequest {
	t.Helper()
	sig, err := f.sandbox.SignCallback("nonce-1", http.MethodPost, callbackURL, []byte(body))
	require.NoError(t, err)
	header := http.Header{}
	header.Set(authy.SignatureHeader, sig)
	header.Set(authy.NonceHeader, "nonce-1")
	return CallbackRequest{Header: header, Method: http.MethodPost, URL: callbackURL, Body: []byte(body)}
}

func TestPushApprovalEndToEnd(t *testing.T) {
	f := newFixture(t, func(sb *verification.SandboxProvider) verification.Provider {
		return &fixedHandleProvider{SandboxProvider: sb, handle: "H1"}
	})
	ctx := context.Background()
	r := f.enrolled(t, "a@x.com", "+15551234567")

	p1, err := f.ctrl.Submit(ctx, r, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelPush, ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, "H1", p1.PushID)
	assert.Equal(t, payments.StatusPending, p1.Status)

	user, err := f.users.Get(ctx, r.UserID)
	require.NoError(t, err)

	approved := fmt.Sprintf(`{"uuid":"H1","status":"approved","authy_id":%s}`, user.ProviderID)
	require.NoError(t, f.ctrl.HandleCallback(ctx, f.callback(t, approved)))

	status, err := f.ctrl.Status(ctx, r, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusApproved, status)

	denied := fmt.Sprintf(`{"uuid":"H1","status":"denied","authy_id":%s}`, user.ProviderID)
	require.NoError(t, f.ctrl.HandleCallback(ctx, f.callback(t, denied)))

	status, err = f.ctrl.Status(ctx, r, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusApproved, status)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notification.KindPaymentApproved, sent[0].Kind)
	assert.Equal(t, "+15551234567", sent[0].Destination)
	assert.Equal(t, "Your payment of 25.00 to R was approved.", sent[0].Body)
}

func TestSMSApprovalEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.enrolled(t, "a@x.com", "+15551234567")

	p2, err := f.ctrl.Submit(ctx, r, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelSMS})
	require.NoError(t, err)
	assert.Empty(t, p2.PushID)

	_, err = f.ctrl.CheckOTP(ctx, r, p2.ID, "0000")
	assert.ErrorIs(t, err, verification.ErrIncorrect)
	status, err := f.ctrl.Status(ctx, r, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusPending, status)

	_, err = f.ctrl.CheckOTP(ctx, r, p2.ID, "0000")
	assert.ErrorIs(t, err, verification.ErrIncorrect)

	decided, err := f.ctrl.CheckOTP(ctx, r, p2.ID, sandboxCode)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusApproved, decided.Status)

	status, err = f.ctrl.Status(ctx, r, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusApproved, status)

	_, err = f.ctrl.CheckOTP(ctx, r, p2.ID, sandboxCode)
	var already *payments.AlreadyDecidedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, payments.StatusApproved, already.Status)
}

func TestCreateRequiresEnrollment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.register(t, "a@x.com", "+15551234567")

	_, err := f.ctrl.Submit(ctx, r, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelPush})
	assert.ErrorIs(t, err, ErrEnrollmentRequired)

	list, err := f.ctrl.List(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEnrollmentRejectsWrongCodeAndSecondEnrollment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.register(t, "a@x.com", "+15551234567")

	_, err := f.ctrl.CompleteEnrollment(ctx, r, "000000")
	assert.ErrorIs(t, err, verification.ErrVerificationFailed)

	user, err := f.ctrl.CompleteEnrollment(ctx, r, sandboxCode)
	require.NoError(t, err)
	assert.True(t, user.Verified())

	_, err = f.ctrl.StartEnrollment(ctx, r, verification.ChannelCall)
	assert.ErrorIs(t, err, identity.ErrAlreadyEnrolled)
}

func TestPushFailureLeavesPaymentPendingWithoutHandle(t *testing.T) {
	var flaky *flakyProvider
	f := newFixture(t, func(sb *verification.SandboxProvider) verification.Provider {
		flaky = &flakyProvider{SandboxProvider: sb, down: true}
		return flaky
	})
	ctx := context.Background()
	r := f.enrolled(t, "a@x.com", "+15551234567")

	payment, err := f.ctrl.Submit(ctx, r, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelPush})
	assert.ErrorIs(t, err, verification.ErrProviderUnavailable)
	require.NotEmpty(t, payment.ID)

	stored, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusPending, stored.Status)
	assert.Empty(t, stored.PushID)

	// Falling back to SMS is allowed because no handle was recorded.
	_, err = f.ctrl.RequestSMSApproval(ctx, r, payment.ID)
	require.NoError(t, err)

	flaky.setDown(false)
	withPush, err := f.ctrl.RequestPushApproval(ctx, r, payment.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, withPush.PushID)

	_, err = f.ctrl.RequestPushApproval(ctx, r, payment.ID, "")
	assert.ErrorIs(t, err, ErrPushAlreadyRequested)
	_, err = f.ctrl.RequestSMSApproval(ctx, r, payment.ID)
	assert.ErrorIs(t, err, ErrPushAlreadyRequested)
}

func TestCallbackRejectsForgeriesAndIgnoresStrangers(t *testing.T) {
	f := newFixture(t, func(sb *verification.SandboxProvider) verification.Provider {
		return &fixedHandleProvider{SandboxProvider: sb, handle: "H1"}
	})
	ctx := context.Background()
	r := f.enrolled(t, "a@x.com", "+15551234567")
	p, err := f.ctrl.Submit(ctx, r, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelPush})
	require.NoError(t, err)

	forged := f.callback(t, `{"uuid":"H1","status":"approved"}`)
	forged.Body = []byte(`{"uuid":"H1","status":"denied"}`)
	assert.ErrorIs(t, f.ctrl.HandleCallback(ctx, forged), verification.ErrAuthenticationFailed)

	unsigned := CallbackRequest{Header: http.Header{}, Method: http.MethodPost, URL: callbackURL, Body: []byte(`{"uuid":"H1","status":"approved"}`)}
	assert.ErrorIs(t, f.ctrl.HandleCallback(ctx, unsigned), verification.ErrAuthenticationFailed)

	malformed := f.callback(t, `{"uuid":"H1","status":"approved"}`)
	malformed.Body = []byte(`not json`)
	assert.ErrorIs(t, f.ctrl.HandleCallback(ctx, malformed), verification.ErrAuthenticationFailed)

	for _, body := range []string{
		`{"uuid":"H-unknown","status":"approved"}`,
		`{"uuid":"H1","status":"approved","authy_id":999999999999}`,
		`{"uuid":"H1","status":"approved","authy_id":"999999999999"}`,
		`{"uuid":"H1","status":"pending"}`,
	} {
		assert.NoError(t, f.ctrl.HandleCallback(ctx, f.callback(t, body)), body)
	}

	status, err := f.ctrl.Status(ctx, r, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusPending, status)
	assert.Empty(t, f.notifier.sent())
}

func TestPaymentsAreInvisibleToOtherUsers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice := f.enrolled(t, "a@x.com", "+15551234567")
	bob := f.enrolled(t, "b@x.com", "+15557654321")

	p, err := f.ctrl.Submit(ctx, alice, SubmitInput{Recipient: "R", Amount: 2500, Channel: ChannelSMS})
	require.NoError(t, err)

	_, err = f.ctrl.Status(ctx, bob, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.ctrl.CheckOTP(ctx, bob, p.ID, sandboxCode)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.ctrl.Status(ctx, alice, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.ctrl.List(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = f.ctrl.List(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCallbackAndOTPRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.enrolled(t, "a@x.com", "+15551234567")

	p, err := f.ctrl.Create(ctx, r, CreateInput{Recipient: "R", Amount: 2500})
	require.NoError(t, err)
	p, err = f.ctrl.RequestPushApproval(ctx, r, p.ID, "")
	require.NoError(t, err)

	req := f.callback(t, fmt.Sprintf(`{"uuid":%q,"status":"denied"}`, p.PushID))

	var wg sync.WaitGroup
	var otpErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, otpErr = f.ctrl.CheckOTP(ctx, r, p.ID, sandboxCode)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.ctrl.HandleCallback(ctx, req))
	}()
	wg.Wait()

	status, err := f.ctrl.Status(ctx, r, p.ID)
	require.NoError(t, err)
	if otpErr == nil {
		assert.Equal(t, payments.StatusApproved, status)
	} else {
		assert.ErrorIs(t, otpErr, payments.ErrAlreadyDecided)
		assert.Equal(t, payments.StatusDenied, status)
	}
	assert.Len(t, f.notifier.sent(), 1)
}

func TestSubmitRejectsUnknownChannel(t *testing.T) {
	f := newFixture(t, nil)
	r := f.enrolled(t, "a@x.com", "+15551234567")
	_, err := f.ctrl.Submit(context.Background(), r, SubmitInput{Recipient: "R", Amount: 1, Channel: "email"})
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

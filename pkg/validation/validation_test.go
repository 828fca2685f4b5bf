package validation

import (
	"context"
	"errors"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
	"github.com/obot-platform/authz-server/pkg/ratelimit"
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type memoryStore struct {
	lock  sync.Mutex
	codes map[string]types.ValidationCode
}

func newMemoryStore() *memoryStore {
	return &memoryStore{codes: map[string]types.ValidationCode{}}
}

func (m *memoryStore) CreateValidationCode(_ context.Context, code *types.ValidationCode) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.codes[code.ID] = *code
	return nil
}

func (m *memoryStore) ValidationCodeExists(_ context.Context, medium, code string, now time.Time) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, c := range m.codes {
		if c.Medium == medium && c.Code == code && !c.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) GetValidationCodes(_ context.Context, attemptID string) ([]types.ValidationCode, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var codes []types.ValidationCode
	for _, c := range m.codes {
		if c.AttemptID != nil && *c.AttemptID == attemptID {
			codes = append(codes, c)
		}
	}
	return codes, nil
}

func (m *memoryStore) DeleteValidationCode(_ context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.codes, id)
	return nil
}

type recordingSender struct {
	medium   string
	messages []Message
	err      error
}

func (r *recordingSender) Medium() string {
	return r.medium
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func sequence(values ...int64) RandomSource {
	i := 0
	return func(int64) (int64, error) {
		v := values[i%len(values)]
		i++
		return v, nil
	}
}

func ptr[T any](v T) *T {
	return &v
}

func collectedWith(email, phone string) []types.CollectedClaim {
	var collected []types.CollectedClaim
	if email != "" {
		collected = append(collected, types.CollectedClaim{ClaimID: "email", Value: ptr(email), Verified: ptr(false)})
	}
	if phone != "" {
		collected = append(collected, types.CollectedClaim{ClaimID: "phone_number", Value: ptr(phone), Verified: ptr(false)})
	}
	return collected
}

func newTestService(store Store, senders ...Sender) *Service {
	svc := NewService(store, senders, Config{CodeTTL: 10 * time.Minute, ResendDelay: time.Minute}, zap.NewNop(), nil)
	return svc
}

func TestGenerateCodeIsZeroPadded(t *testing.T) {
	code, err := GenerateCode(sequence(345))
	require.NoError(t, err)
	assert.Equal(t, "000345", code)

	code, err = GenerateCode(sequence(999999))
	require.NoError(t, err)
	assert.Equal(t, "999999", code)

	code, err = GenerateCode(sequence(0))
	require.NoError(t, err)
	assert.Equal(t, "000000", code)
}

func TestGenerateCodeRandomFailure(t *testing.T) {
	_, err := GenerateCode(func(int64) (int64, error) { return 0, assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCryptoRandomRange(t *testing.T) {
	for range 100 {
		code, err := GenerateCode(CryptoRandom)
		require.NoError(t, err)
		assert.Len(t, code, 6)
	}
}

func TestQueueRequiredCodesGroupsByMedium(t *testing.T) {
	store := newMemoryStore()
	email := &recordingSender{medium: catalog.MediumEmail}
	sms := &recordingSender{medium: catalog.MediumSMS}
	svc := newTestService(store, email, sms)
	svc.random = sequence(1, 2)

	attemptID := "attempt-1"
	codes, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID,
		collectedWith("a@example.com", "+15551234567"),
		[]Reason{
			{ID: "email_claim", Medium: catalog.MediumEmail},
			{ID: "phone_number_claim", Medium: catalog.MediumSMS},
			{ID: "signup", Medium: catalog.MediumEmail},
		})
	require.NoError(t, err)
	require.Len(t, codes, 2)

	assert.Equal(t, catalog.MediumEmail, codes[0].Medium)
	assert.Equal(t, types.StringSlice{"email_claim", "signup"}, codes[0].Reasons)
	assert.Equal(t, "000001", codes[0].Code)
	assert.Equal(t, catalog.MediumSMS, codes[1].Medium)
	assert.Equal(t, "000002", codes[1].Code)

	require.Len(t, email.messages, 1)
	assert.Equal(t, "a@example.com", email.messages[0].To)
	assert.Equal(t, "000001", email.messages[0].Code)
	require.Len(t, sms.messages, 1)
	assert.Equal(t, "+15551234567", sms.messages[0].To)

	pending, err := svc.Pending(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestQueueRequiredCodesFailsBeforePersisting(t *testing.T) {
	t.Run("missing sender", func(t *testing.T) {
		store := newMemoryStore()
		svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})

		_, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil,
			collectedWith("a@example.com", "+15551234567"),
			[]Reason{
				{ID: "email_claim", Medium: catalog.MediumEmail},
				{ID: "phone_number_claim", Medium: catalog.MediumSMS},
			})
		var missing *MissingSenderError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, catalog.MediumSMS, missing.Medium)
		assert.True(t, IsUnavailable(err))
		assert.Empty(t, store.codes)
	})

	t.Run("missing destination", func(t *testing.T) {
		store := newMemoryStore()
		svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})

		_, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil, nil,
			[]Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
		var missing *MissingDestinationError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "email", missing.ClaimID)
		assert.True(t, IsUnavailable(err))
		assert.Empty(t, store.codes)
	})
}

func TestQueueRequiredCodesRetriesCollisions(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	require.NoError(t, store.CreateValidationCode(context.Background(), &types.ValidationCode{
		ID: "existing", Code: "000007", Medium: catalog.MediumEmail,
		CreationDate: now, ExpirationDate: now.Add(time.Hour),
	}))

	sender := &recordingSender{medium: catalog.MediumEmail}
	svc := newTestService(store, sender)
	svc.random = sequence(7, 7, 8)

	codes, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "000008", codes[0].Code)

	svc.random = sequence(7)
	_, err = svc.QueueRequiredCodes(context.Background(), "user-1", nil,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	assert.ErrorContains(t, err, "unique")
}

func TestSubmit(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})
	svc.random = sequence(42)
	attemptID := "attempt-1"

	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), attemptID, "999999")
	var localized *apierrors.LocalizedError
	require.ErrorAs(t, err, &localized)
	assert.Equal(t, http.StatusBadRequest, localized.Status)
	assert.Equal(t, apierrors.DetailsInvalidValidationCode, localized.DetailsID)

	matched, err := svc.Submit(context.Background(), attemptID, "000042")
	require.NoError(t, err)
	assert.Equal(t, types.StringSlice{"email_claim"}, matched.Reasons)

	// codes are single use
	_, err = svc.Submit(context.Background(), attemptID, "000042")
	assert.Error(t, err)
}

func TestSubmitIgnoresExpiredCodes(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})
	svc.random = sequence(42)
	attemptID := "attempt-1"

	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.Submit(context.Background(), attemptID, "000042")
	assert.Error(t, err)
}

func TestSubmitRateLimited(t *testing.T) {
	svc := newTestService(newMemoryStore())
	for range submissionsPerWindow {
		_, err := svc.Submit(context.Background(), "attempt-1", "000000")
		var localized *apierrors.LocalizedError
		require.ErrorAs(t, err, &localized)
		assert.Equal(t, http.StatusBadRequest, localized.Status)
	}

	_, err := svc.Submit(context.Background(), "attempt-1", "000000")
	var localized *apierrors.LocalizedError
	require.ErrorAs(t, err, &localized)
	assert.Equal(t, http.StatusTooManyRequests, localized.Status)
	assert.Equal(t, apierrors.DetailsValidationRateLimited, localized.DetailsID)

	// other attempts are unaffected
	_, err = svc.Submit(context.Background(), "attempt-2", "000000")
	require.ErrorAs(t, err, &localized)
	assert.Equal(t, http.StatusBadRequest, localized.Status)
}

func TestResend(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{medium: catalog.MediumEmail}
	svc := newTestService(store, sender)
	svc.random = sequence(1, 2)
	attemptID := "attempt-1"
	collected := collectedWith("a@example.com", "")

	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID, collected,
		[]Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	require.NoError(t, err)

	reasons := []Reason{{ID: "email_claim", Medium: catalog.MediumEmail, ClaimID: "email"}}
	_, err = svc.Resend(context.Background(), "user-1", attemptID, collected, reasons)
	var localized *apierrors.LocalizedError
	require.ErrorAs(t, err, &localized)
	assert.Equal(t, apierrors.DetailsValidationResendTooEarly, localized.DetailsID)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	codes, err := svc.Resend(context.Background(), "user-1", attemptID, collected, reasons)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "000002", codes[0].Code)
	assert.Equal(t, types.StringSlice{"email_claim"}, codes[0].Reasons)
	assert.Len(t, sender.messages, 2)
	assert.Len(t, store.codes, 1)
}

func TestDiscard(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})
	attemptID := "attempt-1"

	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	require.NoError(t, err)
	require.Len(t, store.codes, 1)

	require.NoError(t, svc.Discard(context.Background(), attemptID))
	assert.Empty(t, store.codes)
}

func TestCanSendForReason(t *testing.T) {
	svc := newTestService(newMemoryStore(), &recordingSender{medium: catalog.MediumEmail})
	assert.True(t, svc.CanSendForReason(Reason{ID: "email_claim", Medium: catalog.MediumEmail}))
	assert.False(t, svc.CanSendForReason(Reason{ID: "phone_number_claim", Medium: catalog.MediumSMS}))

	claim := &catalog.Claim{ID: "phone_number", VerifiedBy: catalog.MediumSMS}
	assert.Equal(t, Reason{ID: "phone_number_claim", Medium: catalog.MediumSMS, ClaimID: "phone_number"}, ReasonFor(claim))
}

func TestSendFailureIsReported(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail, err: errors.New("relay down")})
	attemptID := "attempt-1"
	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", &attemptID,
		collectedWith("a@example.com", ""), []Reason{{ID: "email_claim", Medium: catalog.MediumEmail}})
	assert.ErrorContains(t, err, "relay down")
	assert.False(t, IsUnavailable(err))

	// nothing undelivered is left pending
	assert.Empty(t, store.codes)
	pending, err := svc.Pending(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueRequiredCodesDeliversToEachClaim(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{medium: catalog.MediumEmail}
	svc := newTestService(store, sender)
	svc.random = sequence(1, 2)

	collected := append(collectedWith("me@example.com", ""),
		types.CollectedClaim{ClaimID: "work_email", Value: ptr("ceo@example.org"), Verified: ptr(false)})
	codes, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil, collected,
		[]Reason{
			{ID: "email_claim", Medium: catalog.MediumEmail, ClaimID: "email"},
			{ID: "work_email_claim", Medium: catalog.MediumEmail, ClaimID: "work_email"},
		})
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, types.StringSlice{"email_claim"}, codes[0].Reasons)
	assert.Equal(t, types.StringSlice{"work_email_claim"}, codes[1].Reasons)

	require.Len(t, sender.messages, 2)
	assert.Equal(t, "me@example.com", sender.messages[0].To)
	assert.Equal(t, []string{"email_claim"}, sender.messages[0].Reasons)
	assert.Equal(t, "ceo@example.org", sender.messages[1].To)
	assert.Equal(t, []string{"work_email_claim"}, sender.messages[1].Reasons)
}

func TestQueueRequiredCodesSharesCodeForSameAddress(t *testing.T) {
	sender := &recordingSender{medium: catalog.MediumEmail}
	svc := newTestService(newMemoryStore(), sender)

	collected := append(collectedWith("me@example.com", ""),
		types.CollectedClaim{ClaimID: "work_email", Value: ptr("me@example.com"), Verified: ptr(false)})
	codes, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil, collected,
		[]Reason{
			{ID: "email_claim", Medium: catalog.MediumEmail, ClaimID: "email"},
			{ID: "work_email_claim", Medium: catalog.MediumEmail, ClaimID: "work_email"},
		})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, types.StringSlice{"email_claim", "work_email_claim"}, codes[0].Reasons)
	require.Len(t, sender.messages, 1)
}

func TestQueueRequiredCodesNeedsClaimAddress(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, &recordingSender{medium: catalog.MediumEmail})

	_, err := svc.QueueRequiredCodes(context.Background(), "user-1", nil, collectedWith("me@example.com", ""),
		[]Reason{{ID: "work_email_claim", Medium: catalog.MediumEmail, ClaimID: "work_email"}})
	var missing *MissingDestinationError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "work_email", missing.ClaimID)
	assert.Empty(t, store.codes)
}

func TestPrune(t *testing.T) {
	svc := newTestService(newMemoryStore())
	svc.submissions = ratelimit.NewRateLimiter(time.Millisecond, submissionsPerWindow)

	_, _ = svc.Submit(context.Background(), "attempt-1", "000000")
	_, _ = svc.Submit(context.Background(), "attempt-2", "000000")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, svc.Prune())
	assert.Equal(t, 0, svc.Prune())
}

func TestSMTPSender(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{From: "noreply@example.com"})
	assert.Error(t, err)
	_, err = NewSMTPSender(SMTPConfig{Host: "smtp.example.com"})
	assert.Error(t, err)

	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, catalog.MediumEmail, sender.Medium())

	var gotAddr string
	var gotTo []string
	var gotMsg string
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		assert.NotNil(t, a)
		assert.Equal(t, "noreply@example.com", from)
		return nil
	}

	err = sender.Send(context.Background(), Message{To: "a@example.com", Code: "000345", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"a@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your verification code is 000345\r\n")
	assert.Contains(t, gotMsg, "To: a@example.com\r\n")
	assert.False(t, strings.Contains(strings.ReplaceAll(gotMsg, "\r\n", ""), "\n"))

	err = sender.Send(context.Background(), Message{To: "a@example.com\r\nBcc: b@example.com", Code: "1"})
	assert.Error(t, err)
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := NewLogSender(catalog.MediumSMS, zap.New(core))
	assert.Equal(t, catalog.MediumSMS, sender.Medium())

	require.NoError(t, sender.Send(context.Background(), Message{To: "+15551234567", Code: "000345"}))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "000345", entries[0].ContextMap()["code"])
}

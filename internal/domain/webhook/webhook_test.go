package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/syncjob"
	"github.com/ehr/sync/internal/platform/alerting"
)

type fakeSubmitter struct {
	calls int
	specs []syncjob.Spec
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, spec syncjob.Spec) (*syncjob.SyncJob, error) {
	f.calls++
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	return &syncjob.SyncJob{ID: uuid.New(), Status: syncjob.StatusQueued}, nil
}

const testSecret = "wh-s3cret"

func newTestService(t *testing.T, submitter JobSubmitter, opts ...ServiceOption) (*Service, *alerting.Alerter) {
	t.Helper()
	log := zerolog.Nop()
	secrets := NewSecretStore()
	secrets.Set("testvendor", testSecret, AlgoSHA256)
	secrets.Set("othervendor", testSecret, AlgoSHA512)

	conns := syncjob.NewConnectionRegistry()
	conns.Register(&syncjob.Connection{ID: "conn-1", Provider: "testvendor", Active: true})
	conns.Register(&syncjob.Connection{ID: "conn-2", Provider: "othervendor", Active: true})

	alerts := alerting.New(log, 20)
	// Retries run back to back in tests unless a case opts back in.
	opts = append([]ServiceOption{WithRetryDelays()}, opts...)
	svc := NewService(NewInMemoryRepo(), secrets, submitter, conns, alerts, log, opts...)
	return svc, alerts
}

func eventBody(eventID, eventType, entityID string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"event_type":%q,"entity_id":%q}`, eventID, eventType, entityID))
}

// ===== Signature verification =====

func TestVerifySignature_RawBytesRoundTrip(t *testing.T) {
	body := []byte(`{"event_id":"evt-1"}`)
	sig := SignPayload(body, testSecret, AlgoSHA256)
	if !VerifySignature(body, testSecret, sig, AlgoSHA256) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(body, testSecret, sig, AlgoSHA512) {
		t.Fatal("signature accepted under the wrong algorithm")
	}
	if VerifySignature([]byte(`{"event_id":"evt-1"} `), testSecret, sig, AlgoSHA256) {
		t.Fatal("signature accepted over altered bytes")
	}
}

func TestVerifySignature_AcceptsAlgoPrefix(t *testing.T) {
	body := []byte(`payload`)
	sig := "sha256=" + SignPayload(body, testSecret, AlgoSHA256)
	if !VerifySignature(body, testSecret, sig, AlgoSHA256) {
		t.Fatal("prefixed signature rejected")
	}
	if VerifySignature(body, testSecret, "sha512="+SignPayload(body, testSecret, AlgoSHA256), AlgoSHA256) {
		t.Fatal("mismatched prefix accepted")
	}
}

func TestReceive_RejectsBadSignature(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)
	body := eventBody("evt-1", "patient.updated", "pat-1")

	_, _, err := svc.Receive(context.Background(), "testvendor", body, "deadbeef")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	_, _, err = svc.Receive(context.Background(), "unknownvendor", body, "deadbeef")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
	if sub.calls != 0 {
		t.Fatal("rejected webhook still dispatched a job")
	}
}

// ===== Dispatch =====

func TestReceive_DispatchesJobForKnownEvent(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)
	body := eventBody("evt-1", "patient.updated", "pat-9")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	event, duplicate, err := svc.Receive(context.Background(), "testvendor", body, sig)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if duplicate {
		t.Fatal("first delivery flagged as duplicate")
	}
	if event.Status != StatusDispatched || event.DispatchedJobID == nil {
		t.Fatalf("event = %+v, want dispatched with job id", event)
	}
	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, want 1", sub.calls)
	}
	spec := sub.specs[0]
	if spec.Type != syncjob.WebhookSync || spec.Direction != syncjob.Inbound {
		t.Fatalf("spec = %+v", spec)
	}
	if spec.Priority != syncjob.PriorityHigh {
		t.Fatalf("priority = %s, patient events run HIGH", spec.Priority)
	}
	if len(spec.EntityIDs) != 1 || spec.EntityIDs[0] != "pat-9" {
		t.Fatalf("entity ids = %v", spec.EntityIDs)
	}
}

func TestReceive_DuplicateDeliveryDispatchesOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)
	body := eventBody("evt-001", "observation.created", "obs-1")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	first, dup1, err := svc.Receive(context.Background(), "testvendor", body, sig)
	if err != nil || dup1 {
		t.Fatalf("first delivery: dup=%v err=%v", dup1, err)
	}
	second, dup2, err := svc.Receive(context.Background(), "testvendor", body, sig)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !dup2 {
		t.Fatal("redelivery not flagged as duplicate")
	}
	if second.ID != first.ID {
		t.Fatal("duplicate returned a different stored event")
	}
	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, exactly one job per vendor event", sub.calls)
	}
}

type blockingSubmitter struct {
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (b *blockingSubmitter) Submit(_ context.Context, _ syncjob.Spec) (*syncjob.SyncJob, error) {
	atomic.AddInt32(&b.calls, 1)
	b.entered <- struct{}{}
	<-b.release
	return &syncjob.SyncJob{ID: uuid.New(), Status: syncjob.StatusQueued}, nil
}

func TestReceive_ConcurrentRedeliveryDispatchesOnce(t *testing.T) {
	sub := &blockingSubmitter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	svc, _ := newTestService(t, sub)
	body := eventBody("evt-race", "patient.updated", "pat-7")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	done := make(chan error, 1)
	go func() {
		_, _, err := svc.Receive(context.Background(), "testvendor", body, sig)
		done <- err
	}()
	// The first delivery has claimed the event and is mid-dispatch.
	<-sub.entered

	second, dup, err := svc.Receive(context.Background(), "testvendor", body, sig)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !dup {
		t.Fatal("concurrent redelivery not flagged as duplicate")
	}
	if second == nil {
		t.Fatal("redelivery returned no event")
	}

	close(sub.release)
	if err := <-done; err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if n := atomic.LoadInt32(&sub.calls); n != 1 {
		t.Fatalf("submit calls = %d, exactly one job per vendor event", n)
	}
}

func TestReceive_SameEventIDFromOtherProviderIsNotDuplicate(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)
	body := eventBody("evt-001", "patient.created", "pat-1")

	if _, _, err := svc.Receive(context.Background(), "testvendor", body,
		SignPayload(body, testSecret, AlgoSHA256)); err != nil {
		t.Fatalf("testvendor: %v", err)
	}
	if _, dup, err := svc.Receive(context.Background(), "othervendor", body,
		SignPayload(body, testSecret, AlgoSHA512)); err != nil || dup {
		t.Fatalf("othervendor: dup=%v err=%v", dup, err)
	}
	if sub.calls != 2 {
		t.Fatalf("submit calls = %d, want 2", sub.calls)
	}
}

// ===== Rejection paths =====

func TestReceive_RejectsMalformedAndUnknownEvents(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)

	cases := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{"not json", []byte(`{{{`), ErrMalformed},
		{"missing event id", eventBody("", "patient.updated", "pat-1"), ErrMalformed},
		{"missing entity id", eventBody("evt-1", "patient.updated", ""), ErrMalformed},
		{"unknown event type", eventBody("evt-1", "invoice.created", "inv-1"), ErrUnknownEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := SignPayload(tc.body, testSecret, AlgoSHA256)
			_, _, err := svc.Receive(context.Background(), "testvendor", tc.body, sig)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if sub.calls != 0 {
		t.Fatal("rejected webhook dispatched a job")
	}
}

func TestReceive_SubmitFailureRetriesThenAlerts(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("queue unavailable")}
	svc, alerts := newTestService(t, sub, WithSubmitRetries(2))
	body := eventBody("evt-9", "allergy.updated", "alg-1")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	event, _, err := svc.Receive(context.Background(), "testvendor", body, sig)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if sub.calls != 3 {
		t.Fatalf("submit calls = %d, want initial try plus 2 retries", sub.calls)
	}
	if event.Status != StatusFailed {
		t.Fatalf("event status = %s, want FAILED", event.Status)
	}
	var found bool
	for _, a := range alerts.Recent(20) {
		if a.Kind == alerting.KindWebhookDead {
			found = true
		}
	}
	if !found {
		t.Fatal("dead webhook alert not raised")
	}
}

func TestReceive_RetriesWaitBetweenAttempts(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("queue unavailable")}
	svc, _ := newTestService(t, sub,
		WithSubmitRetries(2),
		WithRetryDelays(10*time.Millisecond, 20*time.Millisecond))
	body := eventBody("evt-slow", "medication.created", "med-2")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	start := time.Now()
	if _, _, err := svc.Receive(context.Background(), "testvendor", body, sig); err == nil {
		t.Fatal("expected dispatch error")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retries completed in %v, want the configured waits between attempts", elapsed)
	}
	if sub.calls != 3 {
		t.Fatalf("submit calls = %d, want 3", sub.calls)
	}
}

func TestReceive_RetryWaitHonoursCancellation(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("queue unavailable")}
	svc, _ := newTestService(t, sub,
		WithSubmitRetries(3),
		WithRetryDelays(time.Hour))
	body := eventBody("evt-cancel", "condition.updated", "con-2")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	done := make(chan struct{})
	go func() {
		svc.Receive(ctx, "testvendor", body, sig)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled receive did not return")
	}
	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, want 1 before cancellation", sub.calls)
	}
}

func TestReceive_ValidationErrorDoesNotRetry(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("%w: bad", syncjob.ErrInvalidSpec)}
	svc, _ := newTestService(t, sub, WithSubmitRetries(5))
	body := eventBody("evt-9", "condition.deleted", "con-1")
	sig := SignPayload(body, testSecret, AlgoSHA256)

	if _, _, err := svc.Receive(context.Background(), "testvendor", body, sig); err == nil {
		t.Fatal("expected dispatch error")
	}
	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, validation failures must not retry", sub.calls)
	}
}

// ===== Event catalogue =====

func TestEventCatalogue(t *testing.T) {
	if got := len(EventTypes()); got != 15 {
		t.Fatalf("event types = %d, want 15", got)
	}
	for _, entity := range []string{"patient", "observation", "medication", "allergy", "condition"} {
		for _, action := range []string{"created", "updated", "deleted"} {
			if !KnownEventType(entity + "." + action) {
				t.Errorf("%s.%s missing from catalogue", entity, action)
			}
		}
	}
	if KnownEventType("patient.merged") {
		t.Error("unexpected event type in catalogue")
	}
}

// ===== HTTP surface =====

func TestHandler_Receive(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newTestService(t, sub)
	h := NewHandler(svc)
	e := echo.New()

	do := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/testvendor", strings.NewReader(string(body)))
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/webhooks/:provider")
		c.SetParamNames("provider")
		c.SetParamValues("testvendor")
		if err := h.Receive(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return rec
	}

	body := eventBody("evt-http", "medication.updated", "med-1")

	if rec := do(body, "bogus"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want 401", rec.Code)
	}
	if rec := do(body, SignPayload(body, testSecret, AlgoSHA256)); rec.Code != http.StatusOK {
		t.Fatalf("valid delivery: status = %d body = %s", rec.Code, rec.Body)
	}
	bad := eventBody("evt-http2", "invoice.created", "inv-1")
	if rec := do(bad, SignPayload(bad, testSecret, AlgoSHA256)); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown event: status = %d, want 422", rec.Code)
	}
}

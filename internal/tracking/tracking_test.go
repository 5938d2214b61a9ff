package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/repository/memory"
)

func TestSigner_RoundTripAndTamper(t *testing.T) {
	s := NewSigner("https://t.example.com/", "secret")
	link := s.Link("c1|a1|https://shop.example.com/x?y=1")
	parts := strings.SplitN(link, "/", 2)

	cid, aid, target, err := s.Decode(parts[0], parts[1])
	require.NoError(t, err)
	assert.Equal(t, "c1", cid)
	assert.Equal(t, "a1", aid)
	assert.Equal(t, "https://shop.example.com/x?y=1", target)

	_, _, _, err = s.Decode(parts[0], "0000000000000000")
	assert.ErrorIs(t, err, ErrBadSignature)

	other := NewSigner("https://t.example.com", "other-secret")
	_, _, _, err = other.Decode(parts[0], parts[1])
	assert.ErrorIs(t, err, ErrBadSignature)

	_, _, _, err = s.Decode("%%%", parts[1])
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestNewSigner_DisabledWithoutConfig(t *testing.T) {
	assert.Nil(t, NewSigner("", "secret"))
	assert.Nil(t, NewSigner("https://t.example.com", ""))
}

func TestSigner_InjectTracking(t *testing.T) {
	s := NewSigner("https://t.example.com", "secret")
	a := &domain.DeliveryAttempt{ID: "a1", CampaignID: "c1"}

	html := `<html><body><a href="https://shop.example.com/sale">Sale</a><a href="mailto:x@example.com">Mail</a></body></html>`
	out := s.InjectTracking(html, a)

	assert.Contains(t, out, `href="https://t.example.com/track/click/`)
	assert.NotContains(t, out, `href="https://shop.example.com/sale"`)
	assert.Contains(t, out, `href="mailto:x@example.com"`)
	assert.Contains(t, out, `<img src="https://t.example.com/track/open/`)
	assert.True(t, strings.HasSuffix(out, "</body></html>"), "pixel goes inside body")
}

// sentAttempt seeds a running campaign with one sent attempt.
func sentAttempt(t *testing.T) (*memory.Store, domain.DeliveryAttempt) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	id, err := store.Create(ctx, &domain.Campaign{Name: "c", Type: domain.CampaignTypeEmail, Status: domain.CampaignDraft})
	require.NoError(t, err)
	ok, err := store.BeginDispatch(ctx, id, []domain.CampaignStatus{domain.CampaignDraft},
		[]domain.ResolvedRecipient{{RecipientID: "r1", Name: "Ann", Address: "ann@example.com"}}, now)
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := store.ClaimPending(ctx, "w", 1, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkSent(ctx, claimed[0].ID, "w", now))
	return store, claimed[0]
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func TestHandler_OpenRecordedOnce(t *testing.T) {
	store, a := sentAttempt(t)
	s := NewSigner("https://t.example.com", "secret")
	router := newRouter(NewHandler(s, NewDirectSink(store), nil))

	path := strings.TrimPrefix(s.OpenURL(a.CampaignID, a.ID), "https://t.example.com")
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	}

	c, err := store.Get(context.Background(), a.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.OpenedCount)
	assert.NotNil(t, store.Attempts(a.CampaignID)[0].OpenedAt)
}

func TestHandler_ForgedOpenStillServesPixel(t *testing.T) {
	store, a := sentAttempt(t)
	s := NewSigner("https://t.example.com", "secret")
	router := newRouter(NewHandler(s, NewDirectSink(store), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/open/YzF8YTE=/deadbeefdeadbeef", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, _ := store.Get(context.Background(), a.CampaignID)
	assert.Equal(t, 0, c.OpenedCount)
}

func TestHandler_ClickRedirects(t *testing.T) {
	store, a := sentAttempt(t)
	s := NewSigner("https://t.example.com", "secret")
	router := newRouter(NewHandler(s, NewDirectSink(store), nil))

	path := strings.TrimPrefix(s.ClickURL(a.CampaignID, a.ID, "https://shop.example.com/sale"), "https://t.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://shop.example.com/sale", rec.Header().Get("Location"))
	c, _ := store.Get(context.Background(), a.CampaignID)
	assert.Equal(t, 1, c.ClickedCount)
}

func TestHandler_ClickRejectsBadLinks(t *testing.T) {
	store, a := sentAttempt(t)
	s := NewSigner("https://t.example.com", "secret")
	router := newRouter(NewHandler(s, NewDirectSink(store), nil))

	for _, path := range []string{
		"/track/click/YzF8YTE=/deadbeefdeadbeef",
		strings.TrimPrefix(s.ClickURL(a.CampaignID, a.ID, "javascript:alert(1)"), "https://t.example.com"),
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestRecord_UnknownAttemptIsDropped(t *testing.T) {
	store := memory.NewStore()
	err := Record(context.Background(), store, Event{Kind: domain.EngagementOpen, AttemptID: "missing", Timestamp: time.Now()})
	assert.NoError(t, err)
}

// fakeSQS is an in-memory queue.
type fakeSQS struct {
	mu       sync.Mutex
	messages []sqstypes.Message
	deleted  []string
	seq      int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := "h" + strconv.Itoa(f.seq)
	f.messages = append(f.messages, sqstypes.Message{Body: in.MessageBody, ReceiptHandle: aws.String(handle)})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQS_PublishThenConsume(t *testing.T) {
	store, a := sentAttempt(t)
	q := &fakeSQS{}
	ctx := context.Background()

	pub := NewSQSPublisher(q, "https://sqs.example/queue")
	require.NoError(t, pub.Publish(ctx, Event{Kind: domain.EngagementClick, CampaignID: a.CampaignID, AttemptID: a.ID, Timestamp: time.Now()}))
	q.messages = append(q.messages, sqstypes.Message{Body: aws.String("not json"), ReceiptHandle: aws.String("bad")})

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(*q.messages[0].Body), &evt))
	assert.Equal(t, a.ID, evt.AttemptID)

	n, err := NewConsumer(q, "https://sqs.example/queue", store).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{"h1", "bad"}, q.deleted)

	c, _ := store.Get(ctx, a.CampaignID)
	assert.Equal(t, 1, c.ClickedCount)
}

type failingRecorder struct{}

func (failingRecorder) RecordEngagement(context.Context, string, domain.EngagementKind, time.Time) (bool, error) {
	return false, errors.New("db down")
}

func TestConsumer_LeavesUnrecordedMessages(t *testing.T) {
	q := &fakeSQS{}
	require.NoError(t, NewSQSPublisher(q, "u").Publish(context.Background(), Event{Kind: domain.EngagementOpen, AttemptID: "a1"}))

	n, err := NewConsumer(q, "u", failingRecorder{}).PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, q.deleted)
}

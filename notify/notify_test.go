package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []Email
	fails int
	err   error
}

func (f *fakeSender) Send(_ context.Context, e Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeSender) emails() []Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Email(nil), f.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, sender Sender, opts ...Option) (*Queue, <-chan Result) {
	t.Helper()
	results := make(chan Result, 16)
	base := []Option{
		WithLogger(quietLogger()),
		WithRetry(3, time.Millisecond),
		WithObserver(func(r Result) { results <- r }),
	}
	q, err := NewQueue(sender, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(context.Background()) })
	return q, results
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification result")
		return Result{}
	}
}

func TestRender(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	e, err := r.Render(Message{Kind: KindActivation, To: "a@example.com", Username: "alice", ValidFor: "24 hours", Link: "https://todo.example/auth/verify/abc"})
	require.NoError(t, err)
	assert.Equal(t, "TodoAPI: Verify Account", e.Subject)
	assert.Equal(t, "a@example.com", e.To)
	assert.Contains(t, e.HTML, "https://todo.example/auth/verify/abc")
	assert.Contains(t, e.HTML, "alice")

	e, err = r.Render(Message{Kind: KindTwoFactorCode, Username: "<b>x</b>", Code: "AB12CD", ValidFor: "5 minutes"})
	require.NoError(t, err)
	assert.Equal(t, "TodoAPI: Two-Factor Authentication", e.Subject)
	assert.Contains(t, e.HTML, "AB12CD")
	assert.NotContains(t, e.HTML, "<b>x</b>", "template output is escaped")

	e, err = r.Render(Message{Kind: KindTaskOverdue, TaskTitle: "Ship it", DueDate: "2024-01-01 10:00:00"})
	require.NoError(t, err)
	assert.Equal(t, "TodoAPI: Task Overdue Notification", e.Subject)
	assert.Contains(t, e.HTML, "Ship it")

	_, err = r.Render(Message{Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestQueueDelivers(t *testing.T) {
	sender := &fakeSender{}
	q, results := newTestQueue(t, sender)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindTwoFactorCode, To: "b@example.com", Code: "ZZ99ZZ"}))
	r := waitResult(t, results)
	assert.Equal(t, Delivered, r.State)
	assert.Equal(t, 1, r.Attempts)
	require.Len(t, sender.emails(), 1)
	assert.Equal(t, "b@example.com", sender.emails()[0].To)
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{fails: 2, err: errors.New("connection reset")}
	q, results := newTestQueue(t, sender)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindActivation, To: "c@example.com"}))
	r := waitResult(t, results)
	assert.Equal(t, Delivered, r.State)
	assert.Equal(t, 3, r.Attempts)
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	sender := &fakeSender{fails: 100, err: errors.New("connection reset")}
	q, results := newTestQueue(t, sender)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindActivation, To: "d@example.com"}))
	r := waitResult(t, results)
	assert.Equal(t, Failed, r.State)
	assert.Equal(t, 4, r.Attempts, "one attempt plus three retries")
	assert.Empty(t, sender.emails())
}

func TestQueuePermanentFailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{fails: 100, err: Permanent(errors.New("mailbox unavailable"))}
	q, results := newTestQueue(t, sender)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindActivation, To: "e@example.com"}))
	r := waitResult(t, results)
	assert.Equal(t, Failed, r.State)
	assert.Equal(t, 1, r.Attempts)
}

func TestQueueCheckCanIgnore(t *testing.T) {
	sender := &fakeSender{}
	q, results := newTestQueue(t, sender,
		WithCheck(KindTaskOverdue, func(_ context.Context, m Message) (Message, error) {
			if m.UserID == 0 {
				return m, Ignore("owner deleted")
			}
			m.To = "resolved@example.com"
			return m, nil
		}),
	)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindTaskOverdue}))
	r := waitResult(t, results)
	assert.Equal(t, Ignored, r.State)
	assert.Equal(t, 1, r.Attempts)
	assert.ErrorIs(t, r.Err, ErrIgnored)

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindTaskOverdue, UserID: 9}))
	r = waitResult(t, results)
	assert.Equal(t, Delivered, r.State)
	assert.Equal(t, "resolved@example.com", sender.emails()[0].To)
}

func TestQueueRejectsUnknownKindAndClosed(t *testing.T) {
	q, _ := newTestQueue(t, &fakeSender{})
	assert.ErrorIs(t, q.Enqueue(context.Background(), Message{Kind: "bogus"}), ErrUnknownKind)

	require.NoError(t, q.Close(context.Background()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), Message{Kind: KindActivation}), ErrQueueClosed)
	assert.NoError(t, q.Close(context.Background()), "closing twice is harmless")
}

func TestQueueCloseDrains(t *testing.T) {
	sender := &fakeSender{}
	q, err := NewQueue(sender, WithLogger(quietLogger()), WithWorkers(1))
	require.NoError(t, err)
	for range 5 {
		require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindActivation, To: "f@example.com"}))
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, sender.emails(), 5)
}

func TestQueueCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	q, results := newTestQueue(t, &fakeSender{}, WithRegisterer(reg))

	require.NoError(t, q.Enqueue(context.Background(), Message{Kind: KindActivation, To: "g@example.com"}))
	waitResult(t, results)
	assert.Equal(t, 1.0, testutil.ToFloat64(q.outcomes.WithLabelValues("activation", "delivered")))
}

func TestSMTPMessage(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "bot@example.com"})
	raw := string(s.buildMessage(Email{To: "h@example.com", Subject: "TodoAPI: Verify Account", HTML: "<p>hi</p>"}))

	assert.Contains(t, raw, "From: TodoAPI Project <bot@example.com>\r\n")
	assert.Contains(t, raw, "To: h@example.com\r\n")
	assert.Contains(t, raw, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n<p>hi</p>"))
	assert.Equal(t, smtpTimeout, s.cfg.Timeout)
}

func TestSMTPErrorClassification(t *testing.T) {
	var perm *permanentError
	assert.True(t, errors.As(smtpError("rcpt to", &textproto.Error{Code: 550, Msg: "no such user"}), &perm))
	assert.False(t, errors.As(smtpError("rcpt to", &textproto.Error{Code: 421, Msg: "try later"}), &perm))
}

func TestLogSenderOmitsBody(t *testing.T) {
	var buf strings.Builder
	s := LogSender{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, s.Send(context.Background(), Email{
		To:      "ann@example.com",
		Subject: "TodoAPI: Two-Factor Authentication",
		HTML:    "<p>Your code is SECRET</p>",
	}))
	assert.Contains(t, buf.String(), "ann@example.com")
	assert.NotContains(t, buf.String(), "SECRET")
}

func TestSinkFunc(t *testing.T) {
	var got Message
	sink := SinkFunc(func(_ context.Context, m Message) error {
		got = m
		return nil
	})
	require.NoError(t, sink.Enqueue(context.Background(), Message{Kind: KindTaskOverdue, TaskID: 7}))
	assert.Equal(t, int64(7), got.TaskID)
}

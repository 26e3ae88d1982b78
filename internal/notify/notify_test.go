package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- fakes ---

type mockMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *mockMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *mockMetrics) IncNotification(kind, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[kind+"/"+status]++
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer("Impact Websites", "https://example.com/login", time.UTC)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return r
}

func sampleEvent(kind Kind) Event {
	return Event{
		Kind:         kind,
		To:           "partner@example.com",
		Recipient:    "Pat Partner",
		StudentName:  "Sam Student",
		Username:     "sam",
		StudentEmail: "sam@example.com",
		Code:         "ABCD2345",
		Password:     "Temp#Pass1234",
		Expiry:       time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC),
		Days:         30,
	}
}

// --- Renderer tests ---

func TestRender_Extended(t *testing.T) {
	msg, err := newTestRenderer(t).Render(sampleEvent(KindExtended))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.To != "partner@example.com" {
		t.Errorf("unexpected recipient %q", msg.To)
	}
	if msg.Subject != "Membership extended: sam" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	for _, want := range []string{
		"Hello Pat Partner,",
		"User sam (sam@example.com) has extended their membership using code ABCD2345.",
		"New expiry date: 09/03/2026",
		"Regards,\nImpact Websites",
	} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestRender_AllKinds(t *testing.T) {
	r := newTestRenderer(t)
	for kind := range templateSources {
		t.Run(string(kind), func(t *testing.T) {
			msg, err := r.Render(sampleEvent(kind))
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if msg.Subject == "" || strings.Contains(msg.Subject, "\n") {
				t.Errorf("bad subject %q", msg.Subject)
			}
			if strings.Contains(msg.Body, "<no value>") {
				t.Errorf("unfilled placeholder in body:\n%s", msg.Body)
			}
			if !strings.HasSuffix(msg.Body, "Regards,\nImpact Websites") {
				t.Errorf("missing sign-off:\n%s", msg.Body)
			}
		})
	}
}

func TestRender_Credentials(t *testing.T) {
	msg, err := newTestRenderer(t).Render(sampleEvent(KindCredentials))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Subject != "Your Impact Websites account" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	for _, want := range []string{"Username: sam", "Password: Temp#Pass1234", "Log in at: https://example.com/login"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestRender_DateUsesLocation(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	r, err := NewRenderer("Site", "", loc)
	if err != nil {
		t.Fatal(err)
	}
	ev := sampleEvent(KindExpiringSoon)
	ev.Expiry = time.Date(2026, 3, 9, 20, 0, 0, 0, time.UTC) // 10 March in AEST
	msg, err := r.Render(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Body, "10/03/2026") {
		t.Errorf("expected local date in body:\n%s", msg.Body)
	}
}

func TestRender_UnknownKind(t *testing.T) {
	if _, err := newTestRenderer(t).Render(Event{Kind: "nope"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestFormatMessage(t *testing.T) {
	raw := string(formatMessage("noreply@example.com", Message{
		To:      "a@example.com",
		Subject: "Hi\r\nBcc: evil@example.com",
		Body:    "line1\nline2",
	}))
	if strings.Contains(raw, "\r\nBcc:") {
		t.Errorf("header injection not neutralised:\n%s", raw)
	}
	if !strings.Contains(raw, "\r\n\r\nline1\r\nline2") {
		t.Errorf("unexpected body encoding:\n%q", raw)
	}
}

// --- Dispatcher tests ---

func TestDispatcher_NotifyBuffers(t *testing.T) {
	mm := &mockMailer{}
	d := NewDispatcher(newTestRenderer(t), mm, 100, time.Hour)

	d.Notify(context.Background(), sampleEvent(KindExpired))
	d.Notify(context.Background(), sampleEvent(KindRevoked))

	d.mu.Lock()
	n := len(d.buffer)
	d.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 buffered events, got %d", n)
	}
	if mm.count() != 0 {
		t.Fatalf("expected nothing sent before flush, got %d", mm.count())
	}

	d.Flush()
	if mm.count() != 2 {
		t.Fatalf("expected 2 sent after flush, got %d", mm.count())
	}
}

func TestDispatcher_SkipsEmptyRecipient(t *testing.T) {
	mm := &mockMailer{}
	metrics := &mockMetrics{}
	d := NewDispatcher(newTestRenderer(t), mm, 1, time.Hour)
	d.SetMetrics(metrics)

	ev := sampleEvent(KindInviteUsed)
	ev.To = ""
	d.Notify(context.Background(), ev)
	d.Flush()

	if mm.count() != 0 {
		t.Errorf("expected no mail for empty recipient")
	}
	if metrics.counts["invite_used/skipped"] != 1 {
		t.Errorf("expected skipped count, got %v", metrics.counts)
	}
}

func TestDispatcher_BatchSizeKicksDelivery(t *testing.T) {
	mm := &mockMailer{}
	d := NewDispatcher(newTestRenderer(t), mm, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Notify(ctx, sampleEvent(KindExpired))
	d.Notify(ctx, sampleEvent(KindExpired))

	deadline := time.Now().Add(2 * time.Second)
	for mm.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mm.count() != 2 {
		t.Fatalf("expected 2 sent, got %d", mm.count())
	}
	d.Stop()
}

func TestDispatcher_StopDoesFinalFlush(t *testing.T) {
	mm := &mockMailer{}
	d := NewDispatcher(newTestRenderer(t), mm, 100, time.Hour)

	go d.Start(context.Background())

	d.Notify(context.Background(), sampleEvent(KindExtended))
	d.Notify(context.Background(), sampleEvent(KindReenrolled))
	d.Stop()

	if mm.count() != 2 {
		t.Fatalf("expected 2 sent after stop, got %d", mm.count())
	}
}

func TestDispatcher_SendFailureCounted(t *testing.T) {
	mm := &mockMailer{err: errors.New("relay down")}
	metrics := &mockMetrics{}
	d := NewDispatcher(newTestRenderer(t), mm, 100, time.Hour)
	d.SetMetrics(metrics)

	d.Notify(context.Background(), sampleEvent(KindExpired))
	d.Flush()

	if metrics.counts["expired/failed"] != 1 {
		t.Errorf("expected failed count, got %v", metrics.counts)
	}
}

func TestLogMailer(t *testing.T) {
	if err := (LogMailer{}).Send(context.Background(), Message{To: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
}

package guard

import (
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// fakeClock drives the guard's notion of now in tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(cfg Config) (*Guard, *fakeClock) {
	g := New(cfg)
	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	g.nowFunc = clock.Now
	return g, clock
}

func testItem(text string) models.InboundItem {
	return models.InboundItem{
		ID:             "evt-1",
		ConversationID: "conv-1",
		ThreadID:       "thread-1",
		ActorID:        "actor-1",
		Text:           text,
	}
}

func TestShouldAllowDefault(t *testing.T) {
	g, _ := newTestGuard(Config{})
	d := g.ShouldAllow(testItem("what is the deploy status?"), nil)
	if !d.Allowed {
		t.Errorf("fresh guard should allow, got veto %q", d.Reason)
	}
}

func TestThreadLimitVeto(t *testing.T) {
	g, _ := newTestGuard(Config{MaxResponsesPerThread: 2})

	for i := 0; i < 2; i++ {
		g.RecordReply("conv-1", "thread-1", "actor-other")
	}

	d := g.ShouldAllow(testItem("hello"), nil)
	if d.Allowed || d.Reason != ReasonThreadLimit {
		t.Errorf("expected thread_limit veto, got %+v", d)
	}

	// Another thread in the same conversation is unaffected.
	other := testItem("hello")
	other.ThreadID = "thread-2"
	if d := g.ShouldAllow(other, nil); !d.Allowed {
		t.Errorf("other thread should be allowed, got veto %q", d.Reason)
	}
}

func TestThreadLimitWindowSlides(t *testing.T) {
	g, clock := newTestGuard(Config{MaxResponsesPerThread: 1, ThreadWindow: time.Hour})

	g.RecordReply("conv-1", "thread-1", "actor-1")
	if d := g.ShouldAllow(testItem("hello"), nil); d.Allowed {
		t.Fatal("expected veto inside window")
	}

	clock.Advance(61 * time.Minute)
	if d := g.ShouldAllow(testItem("hello"), nil); !d.Allowed {
		t.Errorf("window should have slid past the reply, got veto %q", d.Reason)
	}
}

func TestActorRateLimitVeto(t *testing.T) {
	g, _ := newTestGuard(Config{MaxResponsesPerActorPerHour: 2})

	// Same actor across different threads still counts against the actor cap.
	g.RecordReply("conv-1", "thread-1", "actor-1")
	g.RecordReply("conv-2", "thread-9", "actor-1")

	d := g.ShouldAllow(testItem("hello"), nil)
	if d.Allowed || d.Reason != ReasonActorRateLimit {
		t.Errorf("expected actor_rate_limit veto, got %+v", d)
	}

	other := testItem("hello")
	other.ActorID = "actor-2"
	if d := g.ShouldAllow(other, nil); !d.Allowed {
		t.Errorf("other actor should be allowed, got veto %q", d.Reason)
	}
}

func TestEmergencyStopTripsAndAutoRecovers(t *testing.T) {
	g, clock := newTestGuard(Config{
		EmergencyStopThreshold: 3,
		EmergencyWindow:        10 * time.Minute,
		RecoveryWindow:         30 * time.Minute,
		// Keep the per-thread and per-actor caps out of the way.
		MaxResponsesPerThread:       100,
		MaxResponsesPerActorPerHour: 100,
	})

	for i := 0; i < 4; i++ {
		g.RecordReply("conv-1", "thread-1", "actor-1")
	}
	if !g.EmergencyStopActive() {
		t.Fatal("emergency stop should have tripped")
	}
	d := g.ShouldAllow(testItem("hello"), nil)
	if d.Allowed || d.Reason != ReasonEmergencyStop {
		t.Errorf("expected emergency_stop veto, got %+v", d)
	}

	// One-shot recovery: the stop clears once the window elapses even with
	// no further activity.
	clock.Advance(31 * time.Minute)
	if g.EmergencyStopActive() {
		t.Error("emergency stop should have auto-recovered")
	}
	if d := g.ShouldAllow(testItem("hello"), nil); !d.Allowed {
		t.Errorf("expected allow after recovery, got veto %q", d.Reason)
	}
}

func TestManualEmergencyStopDoesNotAutoRecover(t *testing.T) {
	g, clock := newTestGuard(Config{})

	g.ActivateEmergencyStop()
	clock.Advance(24 * time.Hour)
	if !g.EmergencyStopActive() {
		t.Error("manual stop must persist until deactivated")
	}

	g.DeactivateEmergencyStop()
	if g.EmergencyStopActive() {
		t.Error("manual stop should clear on deactivation")
	}
}

func TestConversationCircleVeto(t *testing.T) {
	g, _ := newTestGuard(Config{SimilarityThreshold: 0.8, CircleInspectDepth: 6})

	history := []models.ThreadMessage{
		{Text: "checking the deploy status for you", FromSelf: true},
		{Text: "status?", FromSelf: false},
		{Text: "checking the deploy status for you", FromSelf: true},
		{Text: "checking the deploy status for you now", FromSelf: true},
	}
	d := g.ShouldAllow(testItem("status?"), history)
	if d.Allowed || d.Reason != ReasonConversationCircle {
		t.Errorf("expected conversation_circle veto, got %+v", d)
	}
}

func TestConversationCircleNeedsOwnDominance(t *testing.T) {
	g, _ := newTestGuard(Config{})

	// Fewer than three own replies in the inspected tail never vetoes.
	history := []models.ThreadMessage{
		{Text: "checking the deploy status", FromSelf: true},
		{Text: "what about staging?", FromSelf: false},
		{Text: "checking the deploy status", FromSelf: true},
	}
	if d := g.ShouldAllow(testItem("and production?"), history); !d.Allowed {
		t.Errorf("expected allow with only two own replies, got veto %q", d.Reason)
	}

	// Three own replies that are all distinct is a normal conversation.
	history = []models.ThreadMessage{
		{Text: "build seventeen is green", FromSelf: true},
		{Text: "staging rollout finished without incident", FromSelf: true},
		{Text: "production deploy window opens tomorrow morning", FromSelf: true},
	}
	if d := g.ShouldAllow(testItem("thanks"), history); !d.Allowed {
		t.Errorf("expected allow with distinct replies, got veto %q", d.Reason)
	}
}

func TestSimilarRequestVeto(t *testing.T) {
	g, _ := newTestGuard(Config{MaxSimilarResponses: 3, SimilarityThreshold: 0.8})

	history := []models.ThreadMessage{
		{Text: "the deploy finished successfully", FromSelf: true},
		{Text: "the deploy finished successfully", FromSelf: true},
	}
	// The incoming text echoes two of our own latest replies.
	d := g.ShouldAllow(testItem("the deploy finished successfully"), history)
	if d.Allowed || d.Reason != ReasonSimilarRequest {
		t.Errorf("expected similar_request veto, got %+v", d)
	}

	// One echo alone is not a loop signature.
	history = history[:1]
	if d := g.ShouldAllow(testItem("the deploy finished successfully"), history); !d.Allowed {
		t.Errorf("expected allow with a single echo, got veto %q", d.Reason)
	}
}

func TestRebuildRestoresWindows(t *testing.T) {
	g, clock := newTestGuard(Config{MaxResponsesPerThread: 2, ThreadWindow: time.Hour})

	recent := clock.Now().Add(-10 * time.Minute)
	stale := clock.Now().Add(-2 * time.Hour)
	g.Rebuild([]models.ReplyRecord{
		{ConversationID: "conv-1", ThreadID: "thread-1", ActorID: "actor-1", SentAt: recent},
		{ConversationID: "conv-1", ThreadID: "thread-1", ActorID: "actor-1", SentAt: recent},
		{ConversationID: "conv-1", ThreadID: "thread-1", ActorID: "actor-1", SentAt: stale},
	})

	d := g.ShouldAllow(testItem("hello"), nil)
	if d.Allowed || d.Reason != ReasonThreadLimit {
		t.Errorf("rebuilt windows should enforce the thread cap, got %+v", d)
	}
}

func TestSnapshotCountsVetoes(t *testing.T) {
	g, _ := newTestGuard(Config{MaxResponsesPerThread: 1})

	g.RecordReply("conv-1", "thread-1", "actor-1")
	g.ShouldAllow(testItem("hello"), nil)
	g.ShouldAllow(testItem("hello again"), nil)

	st := g.Snapshot()
	if st.VetoCounts[ReasonThreadLimit] != 2 {
		t.Errorf("expected 2 thread_limit vetoes, got %d", st.VetoCounts[ReasonThreadLimit])
	}
	if st.EmergencyStopActive {
		t.Error("emergency stop should not be active")
	}
}

func TestSanitizeReply(t *testing.T) {
	g, _ := newTestGuard(Config{TriggerPhrases: []string{"!deploy", "hey bot"}})

	text, masked := g.SanitizeReply("Run !deploy now, or say Hey Bot again")
	if !masked {
		t.Fatal("expected masking")
	}
	want := "Run ******* now, or say ******* again"
	if text != want {
		t.Errorf("got %q, want %q", text, want)
	}

	text, masked = g.SanitizeReply("nothing to mask here")
	if masked || text != "nothing to mask here" {
		t.Errorf("clean text must pass through unchanged, got %q masked=%v", text, masked)
	}
}

func TestSanitizeReplyNoPhrases(t *testing.T) {
	g, _ := newTestGuard(Config{})
	text, masked := g.SanitizeReply("!deploy everything")
	if masked || text != "!deploy everything" {
		t.Errorf("guard without phrases must not mask, got %q masked=%v", text, masked)
	}
}

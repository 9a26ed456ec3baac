// Package guard implements the multi-layer loop-prevention engine deciding,
// per candidate reply, whether emission is safe.
//
// It is an ordered pipeline of independent checks, each able to veto; the
// first veto wins. A veto is a deliberate silence, not an error: vetoed
// items are marked processed with no outbound row, and the veto reason is
// exposed through telemetry. Replies are recorded into the sliding windows
// only after the platform confirms delivery, so a failed send never counts
// against the caps.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Veto reasons reported by the check pipeline.
const (
	ReasonEmergencyStop      = "emergency_stop"
	ReasonThreadLimit        = "thread_limit"
	ReasonActorRateLimit     = "actor_rate_limit"
	ReasonConversationCircle = "conversation_circle"
	ReasonSimilarRequest     = "similar_request"
)

// Config holds the guard thresholds. Zero values mean defaults.
type Config struct {
	// MaxResponsesPerThread caps replies per (conversation, thread) within
	// the trailing ThreadWindow.
	MaxResponsesPerThread int
	// MaxResponsesPerActorPerHour caps replies triggered by one actor
	// within a trailing sliding hour.
	MaxResponsesPerActorPerHour int
	// EmergencyStopThreshold is the system-wide reply count within
	// EmergencyWindow that trips the global stop.
	EmergencyStopThreshold int
	// EmergencyWindow is the burst-detection window for the global stop.
	EmergencyWindow time.Duration
	// RecoveryWindow is how long the emergency stop stays active once
	// tripped. A one-shot timer: further activity does not extend it.
	RecoveryWindow time.Duration
	// ThreadWindow is the trailing window for the per-thread cap.
	ThreadWindow time.Duration
	// ActorWindow is the trailing window for the per-actor cap.
	ActorWindow time.Duration
	// MaxSimilarResponses is how many of the system's latest replies in a
	// thread the incoming request is compared against.
	MaxSimilarResponses int
	// SimilarityThreshold is the Jaccard similarity above which two texts
	// count as near-duplicates.
	SimilarityThreshold float64
	// CircleInspectDepth is how many trailing thread messages the
	// conversation-circle check inspects.
	CircleInspectDepth int
	// TriggerPhrases are masked out of generated replies before queueing.
	TriggerPhrases []string
}

func (c *Config) applyDefaults() {
	if c.MaxResponsesPerThread <= 0 {
		c.MaxResponsesPerThread = 10
	}
	if c.MaxResponsesPerActorPerHour <= 0 {
		c.MaxResponsesPerActorPerHour = 20
	}
	if c.EmergencyStopThreshold <= 0 {
		c.EmergencyStopThreshold = 20
	}
	if c.EmergencyWindow <= 0 {
		c.EmergencyWindow = 10 * time.Minute
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 30 * time.Minute
	}
	if c.ThreadWindow <= 0 {
		c.ThreadWindow = time.Hour
	}
	if c.ActorWindow <= 0 {
		c.ActorWindow = time.Hour
	}
	if c.MaxSimilarResponses <= 0 {
		c.MaxSimilarResponses = 3
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.CircleInspectDepth <= 0 {
		c.CircleInspectDepth = 6
	}
}

// Decision is the outcome of the check pipeline for one inbound item.
type Decision struct {
	Allowed bool
	// Reason names the vetoing check when Allowed is false.
	Reason string
}

// Status is a telemetry snapshot for the admin surface.
type Status struct {
	EmergencyStopActive    bool             `json:"emergency_stop_active"`
	EmergencyActivatedAt   *time.Time       `json:"emergency_activated_at,omitempty"`
	EmergencyAutoRecoverAt *time.Time       `json:"emergency_auto_recover_at,omitempty"`
	RepliesLastWindow      int              `json:"replies_last_window"`
	VetoCounts             map[string]int64 `json:"veto_counts"`
}

// checkFunc is one pure predicate of the pipeline; it returns a veto reason
// or "" to allow.
type checkFunc func(g *Guard, item models.InboundItem, history []models.ThreadMessage, now time.Time) string

// pipeline is the ordered check list folded until the first veto.
var pipeline = []checkFunc{
	(*Guard).checkEmergencyStop,
	(*Guard).checkThreadLimit,
	(*Guard).checkActorRateLimit,
	(*Guard).checkConversationCircle,
	(*Guard).checkSimilarRequest,
}

// Guard holds the ephemeral loop-prevention state: per-thread and per-actor
// reply timestamps plus the global emergency-stop flag. The state is a live
// cache, rebuildable from the durable outbound history via Rebuild.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	threadReplies map[string][]time.Time
	actorReplies  map[string][]time.Time
	globalReplies []time.Time

	emergencyActivatedAt *time.Time
	manualStop           bool

	vetoCounts map[string]int64

	nowFunc func() time.Time
}

// New creates a Guard with the given thresholds.
func New(cfg Config) *Guard {
	cfg.applyDefaults()
	return &Guard{
		cfg:           cfg,
		threadReplies: make(map[string][]time.Time),
		actorReplies:  make(map[string][]time.Time),
		vetoCounts:    make(map[string]int64),
		nowFunc:       time.Now,
	}
}

// ShouldAllow runs the check pipeline for one inbound item. history is the
// thread's recent tail (inbound events and delivered replies, chronological).
func (g *Guard) ShouldAllow(item models.InboundItem, history []models.ThreadMessage) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	for _, check := range pipeline {
		if reason := check(g, item, history, now); reason != "" {
			g.vetoCounts[reason]++
			slog.Info("Guard.ShouldAllow: veto", "reason", reason, "itemID", item.ID,
				"conversationID", item.ConversationID, "threadID", item.ThreadID, "actorID", item.ActorID)
			return Decision{Allowed: false, Reason: reason}
		}
	}
	return Decision{Allowed: true}
}

// RecordReply records one confirmed-delivered reply into the sliding windows
// and trips the emergency stop if the system-wide burst threshold is
// exceeded. Call only after the platform confirms delivery.
func (g *Guard) RecordReply(conversationID, threadID, actorID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	key := threadKey(conversationID, threadID)
	g.threadReplies[key] = appendPruned(g.threadReplies[key], now, g.cfg.ThreadWindow)
	g.actorReplies[actorID] = appendPruned(g.actorReplies[actorID], now, g.cfg.ActorWindow)
	g.globalReplies = appendPruned(g.globalReplies, now, g.cfg.EmergencyWindow)

	if len(g.globalReplies) > g.cfg.EmergencyStopThreshold && !g.emergencyActive(now) {
		activated := now
		g.emergencyActivatedAt = &activated
		slog.Warn("Guard.RecordReply: emergency stop tripped",
			"repliesInWindow", len(g.globalReplies), "threshold", g.cfg.EmergencyStopThreshold,
			"autoRecoverAt", now.Add(g.cfg.RecoveryWindow))
	}
}

// Rebuild restores the sliding windows from durable reply history, typically
// at startup. Existing window state is replaced.
func (g *Guard) Rebuild(records []models.ReplyRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.threadReplies = make(map[string][]time.Time)
	g.actorReplies = make(map[string][]time.Time)
	g.globalReplies = nil

	now := g.nowFunc()
	for _, r := range records {
		key := threadKey(r.ConversationID, r.ThreadID)
		if now.Sub(r.SentAt) < g.cfg.ThreadWindow {
			g.threadReplies[key] = append(g.threadReplies[key], r.SentAt)
		}
		if now.Sub(r.SentAt) < g.cfg.ActorWindow {
			g.actorReplies[r.ActorID] = append(g.actorReplies[r.ActorID], r.SentAt)
		}
		if now.Sub(r.SentAt) < g.cfg.EmergencyWindow {
			g.globalReplies = append(g.globalReplies, r.SentAt)
		}
	}
	slog.Info("Guard.Rebuild: windows restored", "records", len(records),
		"threads", len(g.threadReplies), "actors", len(g.actorReplies))
}

// ActivateEmergencyStop sets the global stop manually, bypassing the burst
// threshold. It stays active until DeactivateEmergencyStop.
func (g *Guard) ActivateEmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manualStop = true
	slog.Warn("Guard.ActivateEmergencyStop: manual emergency stop activated")
}

// DeactivateEmergencyStop clears both the manual and the threshold-tripped
// stop.
func (g *Guard) DeactivateEmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manualStop = false
	g.emergencyActivatedAt = nil
	slog.Info("Guard.DeactivateEmergencyStop: emergency stop cleared")
}

// EmergencyStopActive reports whether reply emission is globally halted.
func (g *Guard) EmergencyStopActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manualStop || g.emergencyActive(g.nowFunc())
}

// Snapshot returns a telemetry snapshot for the admin surface.
func (g *Guard) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	st := Status{
		EmergencyStopActive: g.manualStop || g.emergencyActive(now),
		RepliesLastWindow:   countWithin(g.globalReplies, now, g.cfg.EmergencyWindow),
		VetoCounts:          make(map[string]int64, len(g.vetoCounts)),
	}
	if g.emergencyActivatedAt != nil && g.emergencyActive(now) {
		activated := *g.emergencyActivatedAt
		recover := activated.Add(g.cfg.RecoveryWindow)
		st.EmergencyActivatedAt = &activated
		st.EmergencyAutoRecoverAt = &recover
	}
	for k, v := range g.vetoCounts {
		st.VetoCounts[k] = v
	}
	return st
}

// emergencyActive computes the auto-recovering flag as a pure function of
// the stored activation time: active iff now < activatedAt + RecoveryWindow.
// Caller must hold g.mu.
func (g *Guard) emergencyActive(now time.Time) bool {
	if g.emergencyActivatedAt == nil {
		return false
	}
	if now.Sub(*g.emergencyActivatedAt) < g.cfg.RecoveryWindow {
		return true
	}
	// The stop window has elapsed; clear the one-shot flag.
	g.emergencyActivatedAt = nil
	return false
}

func (g *Guard) checkEmergencyStop(_ models.InboundItem, _ []models.ThreadMessage, now time.Time) string {
	if g.manualStop || g.emergencyActive(now) {
		return ReasonEmergencyStop
	}
	return ""
}

func (g *Guard) checkThreadLimit(item models.InboundItem, _ []models.ThreadMessage, now time.Time) string {
	key := threadKey(item.ConversationID, item.ThreadID)
	if countWithin(g.threadReplies[key], now, g.cfg.ThreadWindow) >= g.cfg.MaxResponsesPerThread {
		return ReasonThreadLimit
	}
	return ""
}

func (g *Guard) checkActorRateLimit(item models.InboundItem, _ []models.ThreadMessage, now time.Time) string {
	if countWithin(g.actorReplies[item.ActorID], now, g.cfg.ActorWindow) >= g.cfg.MaxResponsesPerActorPerHour {
		return ReasonActorRateLimit
	}
	return ""
}

// checkConversationCircle inspects the thread tail for the signature of a
// self-reinforcing loop: mostly our own replies, several of them
// near-duplicates of each other.
func (g *Guard) checkConversationCircle(_ models.InboundItem, history []models.ThreadMessage, _ time.Time) string {
	tail := history
	if len(tail) > g.cfg.CircleInspectDepth {
		tail = tail[len(tail)-g.cfg.CircleInspectDepth:]
	}

	var own []string
	for _, m := range tail {
		if m.FromSelf {
			own = append(own, m.Text)
		}
	}
	if len(own) < 3 {
		return ""
	}

	// At least two of our own replies near-duplicating each other means at
	// least one similar pair.
	for i := 0; i < len(own); i++ {
		for j := i + 1; j < len(own); j++ {
			if Similarity(own[i], own[j]) > g.cfg.SimilarityThreshold {
				return ReasonConversationCircle
			}
		}
	}
	return ""
}

// checkSimilarRequest vetoes when the incoming request text near-duplicates
// several of our own latest replies in the thread: the same question is
// being re-asked because our own output re-triggered the asker.
func (g *Guard) checkSimilarRequest(item models.InboundItem, history []models.ThreadMessage, _ time.Time) string {
	var own []string
	for i := len(history) - 1; i >= 0 && len(own) < g.cfg.MaxSimilarResponses; i-- {
		if history[i].FromSelf {
			own = append(own, history[i].Text)
		}
	}

	similar := 0
	for _, reply := range own {
		if Similarity(item.Text, reply) > g.cfg.SimilarityThreshold {
			similar++
		}
	}
	if similar >= 2 {
		return ReasonSimilarRequest
	}
	return ""
}

func threadKey(conversationID, threadID string) string {
	return conversationID + "|" + threadID
}

// appendPruned appends now to the window and drops entries older than keep.
func appendPruned(window []time.Time, now time.Time, keep time.Duration) []time.Time {
	window = append(window, now)
	return pruneWindow(window, now, keep)
}

func pruneWindow(window []time.Time, now time.Time, keep time.Duration) []time.Time {
	cutoff := now.Add(-keep)
	i := 0
	for ; i < len(window); i++ {
		if window[i].After(cutoff) {
			break
		}
	}
	return window[i:]
}

func countWithin(window []time.Time, now time.Time, keep time.Duration) int {
	cutoff := now.Add(-keep)
	n := 0
	for _, ts := range window {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

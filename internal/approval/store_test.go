package approval

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns a store with an injectable clock and a sweeper that
// never fires on its own; expiry is driven by calling expireOverdue.
func newTestStore(t *testing.T, cfg Config) (*Store, *time.Time) {
	t.Helper()
	cfg.SweepInterval = time.Hour
	st := NewStore(cfg, testLogger(), nil, nil)
	t.Cleanup(st.Close)

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return current }
	return st, &current
}

func pendingRequest(session string) *Request {
	return &Request{
		SessionID:  session,
		ServerKey:  "db",
		ToolName:   "drop_table",
		PublicName: "db__drop_table",
		Args:       map[string]any{"table": "users"},
		Assessment: risk.Assessment{
			Level:          risk.LevelCritical,
			Reason:         `keyword "drop" matched`,
			MatchedKeyword: "drop",
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	st, now := newTestStore(t, Config{TTL: 120 * time.Second})

	created, err := st.Create(context.Background(), pendingRequest("s1"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Error("missing id")
	}
	if created.Status != StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if !created.CreatedAt.Equal(*now) {
		t.Errorf("created_at = %v, want %v", created.CreatedAt, *now)
	}
	if want := now.Add(120 * time.Second); !created.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", created.ExpiresAt, want)
	}

	got, err := st.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PublicName != "db__drop_table" {
		t.Errorf("public name = %s", got.PublicName)
	}

	// Returned requests are copies; mutating them must not touch the store.
	got.Args["table"] = "accounts"
	again, _ := st.Get(created.ID)
	if again.Args["table"] != "users" {
		t.Errorf("store mutated through returned copy: %v", again.Args)
	}
}

func TestCreateValidation(t *testing.T) {
	st, _ := newTestStore(t, Config{})

	if _, err := st.Create(context.Background(), nil, nil); !hosterr.IsKind(err, hosterr.KindValidation) {
		t.Errorf("nil request: err = %v, want validation", err)
	}
	if _, err := st.Create(context.Background(), &Request{ServerKey: "fs"}, nil); !hosterr.IsKind(err, hosterr.KindValidation) {
		t.Errorf("empty tool: err = %v, want validation", err)
	}
}

func TestGetUnknown(t *testing.T) {
	st, _ := newTestStore(t, Config{})
	if _, err := st.Get("nope"); !hosterr.IsKind(err, hosterr.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestApprove(t *testing.T) {
	st, _ := newTestStore(t, Config{})

	var verdicts []Status
	var mu sync.Mutex
	created, err := st.Create(context.Background(), pendingRequest("s1"), func(req *Request) {
		mu.Lock()
		verdicts = append(verdicts, req.Status)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	decided, err := st.Approve(context.Background(), created.ID, "operator", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if decided.Status != StatusApproved {
		t.Errorf("status = %s, want approved", decided.Status)
	}
	if decided.DecidedBy != "operator" {
		t.Errorf("decided_by = %s", decided.DecidedBy)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(verdicts) != 1 || verdicts[0] != StatusApproved {
		t.Errorf("callback verdicts = %v, want [approved]", verdicts)
	}

	// Terminal requests cannot be re-decided.
	if _, err := st.Approve(context.Background(), created.ID, "operator", nil); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Errorf("second approve: err = %v, want conflict", err)
	}
	if _, err := st.Reject(context.Background(), created.ID, "operator", "no"); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Errorf("reject after approve: err = %v, want conflict", err)
	}
}

func TestApproveWithModifiedArgs(t *testing.T) {
	st, _ := newTestStore(t, Config{})

	created, _ := st.Create(context.Background(), pendingRequest("s1"), nil)
	decided, err := st.Approve(context.Background(), created.ID, "op", map[string]any{"table": "scratch"})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if decided.Status != StatusModified {
		t.Errorf("status = %s, want modified", decided.Status)
	}
	if got := decided.EffectiveArgs()["table"]; got != "scratch" {
		t.Errorf("effective args table = %v, want scratch", got)
	}
	if decided.Args["table"] != "users" {
		t.Errorf("original args overwritten: %v", decided.Args)
	}
}

func TestApproveModifiedArgsDisabled(t *testing.T) {
	st, _ := newTestStore(t, Config{DisableModification: true})

	created, _ := st.Create(context.Background(), pendingRequest("s1"), nil)
	_, err := st.Approve(context.Background(), created.ID, "op", map[string]any{"table": "scratch"})
	if !hosterr.IsKind(err, hosterr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	// The request is untouched and a plain approval still works.
	v, _ := st.View(created.ID)
	if v.Status != StatusPending {
		t.Errorf("status after refused modification = %s, want pending", v.Status)
	}
	if v.CanModify {
		t.Error("CanModify = true with modification disabled")
	}
	decided, err := st.Approve(context.Background(), created.ID, "op", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if decided.Status != StatusApproved {
		t.Errorf("status = %s, want approved", decided.Status)
	}
}

func TestApproveUnknown(t *testing.T) {
	st, _ := newTestStore(t, Config{})
	if _, err := st.Approve(context.Background(), "missing", "op", nil); !hosterr.IsKind(err, hosterr.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestReject(t *testing.T) {
	st, _ := newTestStore(t, Config{})

	var got atomic.Pointer[Request]
	created, _ := st.Create(context.Background(), pendingRequest("s1"), func(req *Request) {
		got.Store(req)
	})

	decided, err := st.Reject(context.Background(), created.ID, "op", "touches prod")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if decided.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", decided.Status)
	}
	if decided.Reason != "touches prod" {
		t.Errorf("reason = %q", decided.Reason)
	}

	cb := got.Load()
	if cb == nil || cb.Status != StatusRejected {
		t.Errorf("callback request = %+v, want rejected", cb)
	}
}

func TestDoubleConfirmCritical(t *testing.T) {
	st, _ := newTestStore(t, Config{DoubleConfirmCritical: true})

	var fired atomic.Int32
	created, _ := st.Create(context.Background(), pendingRequest("s1"), func(*Request) {
		fired.Add(1)
	})

	first, err := st.Approve(context.Background(), created.ID, "op1", nil)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if first.Status != StatusPending || !first.AwaitingSecond {
		t.Errorf("after first approve: status=%s awaiting=%v, want pending/true", first.Status, first.AwaitingSecond)
	}
	if fired.Load() != 0 {
		t.Error("callback fired before second approval")
	}

	second, err := st.Approve(context.Background(), created.ID, "op2", nil)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if second.Status != StatusApproved {
		t.Errorf("after second approve: status = %s, want approved", second.Status)
	}
	if second.DecidedBy != "op2" {
		t.Errorf("decided_by = %s, want op2", second.DecidedBy)
	}
	if fired.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", fired.Load())
	}
}

func TestDoubleConfirmOnlyAppliesToCritical(t *testing.T) {
	st, _ := newTestStore(t, Config{DoubleConfirmCritical: true})

	req := pendingRequest("s1")
	req.Assessment.Level = risk.LevelHigh
	created, _ := st.Create(context.Background(), req, nil)

	decided, err := st.Approve(context.Background(), created.ID, "op", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if decided.Status != StatusApproved {
		t.Errorf("status = %s, want approved on single approve", decided.Status)
	}
}

func TestSweeperExpiresOverdue(t *testing.T) {
	st, now := newTestStore(t, Config{TTL: 60 * time.Second})

	var verdict atomic.Pointer[Request]
	created, _ := st.Create(context.Background(), pendingRequest("s1"), func(req *Request) {
		verdict.Store(req)
	})

	// Not yet due.
	*now = now.Add(30 * time.Second)
	st.expireOverdue(context.Background())
	if got, _ := st.Get(created.ID); got.Status != StatusPending {
		t.Fatalf("expired too early: %s", got.Status)
	}

	*now = now.Add(31 * time.Second)
	st.expireOverdue(context.Background())

	got, err := st.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	cb := verdict.Load()
	if cb == nil || cb.Status != StatusExpired {
		t.Errorf("callback = %+v, want expired verdict", cb)
	}

	if _, err := st.Approve(context.Background(), created.ID, "op", nil); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Errorf("approve expired: err = %v, want conflict", err)
	}
}

func TestApproveExpiredEagerly(t *testing.T) {
	st, now := newTestStore(t, Config{TTL: 10 * time.Second})

	var fired atomic.Int32
	created, _ := st.Create(context.Background(), pendingRequest("s1"), func(req *Request) {
		if req.Status == StatusExpired {
			fired.Add(1)
		}
	})

	*now = now.Add(11 * time.Second)
	if _, err := st.Approve(context.Background(), created.ID, "op", nil); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if fired.Load() != 1 {
		t.Errorf("expired callback fired %d times, want 1", fired.Load())
	}
	if got, _ := st.Get(created.ID); got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestListPending(t *testing.T) {
	st, now := newTestStore(t, Config{})

	a, _ := st.Create(context.Background(), pendingRequest("s1"), nil)
	*now = now.Add(time.Second)
	b, _ := st.Create(context.Background(), pendingRequest("s2"), nil)
	*now = now.Add(time.Second)
	c, _ := st.Create(context.Background(), pendingRequest("s1"), nil)

	all := st.ListPending("")
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Errorf("order = %s,%s,%s want oldest first", all[0].ID, all[1].ID, all[2].ID)
	}

	s1 := st.ListPending("s1")
	if len(s1) != 2 {
		t.Errorf("s1 pending = %d, want 2", len(s1))
	}
	if len(st.ListPending("nope")) != 0 {
		t.Error("unknown session should list nothing")
	}
}

func TestHistoryRing(t *testing.T) {
	st, now := newTestStore(t, Config{HistoryLimit: 3})

	var decided []string
	for i := 0; i < 5; i++ {
		req, _ := st.Create(context.Background(), pendingRequest("s1"), nil)
		*now = now.Add(time.Second)
		if _, err := st.Reject(context.Background(), req.ID, "op", "no"); err != nil {
			t.Fatalf("Reject: %v", err)
		}
		decided = append(decided, req.ID)
	}

	hist := st.History("", 0)
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	// Newest first; the two oldest fell off the ring.
	if hist[0].ID != decided[4] || hist[1].ID != decided[3] || hist[2].ID != decided[2] {
		t.Errorf("history order wrong: %s,%s,%s", hist[0].ID, hist[1].ID, hist[2].ID)
	}

	if got := st.History("", 1); len(got) != 1 || got[0].ID != decided[4] {
		t.Errorf("limited history = %v", got)
	}
	if got := st.History("other-session", 0); len(got) != 0 {
		t.Errorf("filtered history = %v, want empty", got)
	}
}

func TestView(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: 100 * time.Second, DoubleConfirmCritical: true})

	created, _ := st.Create(context.Background(), pendingRequest("s1"), nil)

	v, err := st.View(created.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Tool != "db__drop_table" || v.Server != "db" {
		t.Errorf("view identity = %s/%s", v.Server, v.Tool)
	}
	if v.Risk != risk.LevelCritical {
		t.Errorf("risk = %s", v.Risk)
	}
	if !v.CanModify {
		t.Error("pending request should be modifiable")
	}
	if v.ExpiresIn != 100 {
		t.Errorf("expires_in = %d, want 100", v.ExpiresIn)
	}
	if !v.RequiresSecond || v.AwaitingSecond {
		t.Errorf("double-confirm flags = %v/%v", v.RequiresSecond, v.AwaitingSecond)
	}

	if _, err := st.Approve(context.Background(), created.ID, "op1", nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	v, _ = st.View(created.ID)
	if !v.AwaitingSecond {
		t.Error("view should show first approval")
	}

	if _, err := st.Approve(context.Background(), created.ID, "op2", nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	v, _ = st.View(created.ID)
	if v.Status != StatusApproved || v.CanModify || v.ExpiresIn != 0 {
		t.Errorf("terminal view = %+v", v)
	}
}

func TestConcurrentDecisionsFireCallbackOnce(t *testing.T) {
	st, _ := newTestStore(t, Config{})

	var fired atomic.Int32
	created, _ := st.Create(context.Background(), pendingRequest("s1"), func(*Request) {
		fired.Add(1)
	})

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = st.Approve(context.Background(), created.ID, "op", nil)
			} else {
				_, err = st.Reject(context.Background(), created.ID, "op", "race")
			}
			if err == nil {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("decisions succeeded = %d, want 1", succeeded.Load())
	}
	if fired.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", fired.Load())
	}
}

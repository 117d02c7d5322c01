package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nagbot/internal/access"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	answers []string
	edits   []kit.MessageRef
	menu    []kit.BotCommand
	editErr error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                        { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.texts = append(f.texts, text)
	f.edits = append(f.edits, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]string(nil), f.answers...)
}

type fakeGate struct {
	deny   map[int64]error
	admins map[int64]bool
}

func (g fakeGate) Allow(id int64) error  { return g.deny[id] }
func (g fakeGate) IsAdmin(id int64) bool { return g.admins[id] }

type recorder struct {
	mu   sync.Mutex
	reqs []*Request
	done chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 16)} }

func (r *recorder) handle(ctx context.Context, req *Request) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) *Request {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[len(r.reqs)-1]
}

type rig struct {
	ad      *fakeAdapter
	r       *Router
	updates chan kit.Update
	rec     *recorder
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ad := &fakeAdapter{}
	gate := fakeGate{
		deny:   map[int64]error{66: access.ErrDenied, 77: access.ErrRateLimited},
		admins: map[int64]bool{1: true},
	}
	rec := newRecorder()
	r := New(ad, gate, logx.Nop())
	r.SetRegistry([]Command{
		{Name: "set", Description: "create a reminder", Usage: "/set HH:MM DAYS text", Handle: rec.handle},
		{Name: "view", Aliases: []string{"list"}, Description: "show reminders", Handle: rec.handle},
		{Name: "health", Description: "bot health", AdminOnly: true, Handle: rec.handle},
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaboom") }},
	}, []CallbackRoute{
		{Action: "ack", Handle: func(ctx context.Context, req *Request) error {
			req.Answer("done")
			return rec.handle(ctx, req)
		}},
		{Action: "del", Handle: func(ctx context.Context, req *Request) error {
			req.Answer("deleted")
			if err := req.Show(ctx, "gone "+req.Payload, nil); err != nil {
				return err
			}
			return rec.handle(ctx, req)
		}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &rig{ad: ad, r: r, updates: updates, rec: rec}
}

func (g *rig) say(from int64, text string) {
	g.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func (g *rig) waitText(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		texts, _ := g.ad.snapshot()
		for _, s := range texts {
			if strings.Contains(s, want) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	texts, _ := g.ad.snapshot()
	t.Fatalf("no reply containing %q; got %q", want, texts)
}

func TestCommandReceivesArgs(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	g.say(5, "/set@nagbot 08:30 1 Take the pills, don't forget")
	req := g.rec.wait(t)
	if req.Command != "set" || len(req.Args) < 2 || req.Args[0] != "08:30" || req.Args[1] != "1" {
		t.Fatalf("request = %+v", req)
	}
	if got := req.Rest(2); got != "Take the pills, don't forget" {
		t.Fatalf("Rest(2) = %q", got)
	}
	if req.ReqID == "" || req.IsAdmin {
		t.Fatalf("ReqID = %q, IsAdmin = %v", req.ReqID, req.IsAdmin)
	}
}

func TestAliasAndUnknown(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	g.say(5, "/LIST")
	if req := g.rec.wait(t); req.Command != "view" {
		t.Fatalf("alias routed to %q", req.Command)
	}
	g.say(5, "/nope")
	g.waitText(t, TextUnknown)
	g.say(5, "plain chatter")
}

func TestGateRejections(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	g.say(66, "/view")
	g.waitText(t, TextDenied)
	g.say(77, "/view")
	g.waitText(t, TextRateLimited)
	g.say(5, "/health")
	g.waitText(t, TextAdminOnly)
	g.say(1, "/health")
	if req := g.rec.wait(t); !req.IsAdmin {
		t.Fatal("admin request not flagged")
	}
}

func TestCallbackRoutedAndAnswered(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	g.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", ChatID: 5, FromID: 5, Data: "ack:3:1736150400"}}
	req := g.rec.wait(t)
	if req.Payload != "ack:3:1736150400" || req.Command != "cb:ack" {
		t.Fatalf("callback request = %+v", req)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, answers := g.ad.snapshot(); len(answers) == 1 && answers[0] == "done" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, answers := g.ad.snapshot()
	t.Fatalf("answers = %q", answers)
}

func TestDeleteButtonEditsPressedMessage(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	g.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", ChatID: 5, FromID: 5, MessageID: 9, Data: "del:5"}}
	req := g.rec.wait(t)
	if req.Command != "cb:del" || req.Payload != "del:5" {
		t.Fatalf("callback request = %+v", req)
	}
	g.ad.mu.Lock()
	edits, texts := append([]kit.MessageRef(nil), g.ad.edits...), append([]string(nil), g.ad.texts...)
	g.ad.mu.Unlock()
	if len(edits) != 1 || edits[0] != (kit.MessageRef{ChatID: 5, MessageID: 9}) {
		t.Fatalf("edits = %+v, want message 9", edits)
	}
	if len(texts) != 1 || texts[0] != "gone del:5" {
		t.Fatalf("texts = %q", texts)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, answers := g.ad.snapshot(); len(answers) == 1 && answers[0] == "deleted" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, answers := g.ad.snapshot()
	t.Fatalf("answers = %q", answers)
}

func TestShowFallsBackToReply(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{editErr: errors.New("message is not modified")}
	req := &Request{
		Update:  kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ChatID: 5, MessageID: 9}},
		Chat:    kit.ChatTarget{ChatID: 5},
		Adapter: ad,
		Logger:  logx.Nop(),
	}
	if err := req.Show(context.Background(), "menu", nil); err != nil {
		t.Fatalf("Show error: %v", err)
	}
	texts, _ := ad.snapshot()
	if len(texts) != 1 || texts[0] != "menu" {
		t.Fatalf("texts = %q, want one sent message", texts)
	}

	cmd := &Request{Chat: kit.ChatTarget{ChatID: 5}, Adapter: &fakeAdapter{}, Logger: logx.Nop()}
	if err := cmd.Show(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Show error: %v", err)
	}
	if texts, _ := cmd.Adapter.(*fakeAdapter).snapshot(); len(texts) != 1 || len(cmd.Adapter.(*fakeAdapter).edits) != 0 {
		t.Fatalf("command Show texts = %q", texts)
	}
}

func TestPanicDoesNotKillWorkers(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	for i := 0; i < 4; i++ {
		g.say(5, "/boom")
	}
	g.say(5, "/view")
	if req := g.rec.wait(t); req.Command != "view" {
		t.Fatalf("got %q after panics", req.Command)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/view", "view", "", true},
		{"  /Set 08:30 0 x ", "set", "08:30 0 x", true},
		{"/delete@nag_bot 12", "delete", "12", true},
		{"/set\n08:30 1 x", "set", "08:30 1 x", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		name, rest, ok := splitCommand(tc.in)
		if name != tc.name || rest != tc.rest || ok != tc.ok {
			t.Fatalf("splitCommand(%q) = %q, %q, %v; want %q, %q, %v", tc.in, name, rest, ok, tc.name, tc.rest, tc.ok)
		}
	}
}

func TestHelpAndMenuHideAdminCommands(t *testing.T) {
	t.Parallel()
	g := newRig(t)
	if h := g.r.HelpText(false); strings.Contains(h, "health") || !strings.Contains(h, "/set HH:MM DAYS text") {
		t.Fatalf("user help = %q", h)
	}
	if h := g.r.HelpText(true); !strings.Contains(h, "health") {
		t.Fatalf("admin help = %q", h)
	}
	if err := g.r.PublishMenu(context.Background()); err != nil {
		t.Fatalf("PublishMenu error: %v", err)
	}
	for _, c := range g.ad.menu {
		if c.Command == "health" {
			t.Fatal("admin command in public menu")
		}
	}
	if len(g.ad.menu) != 3 {
		t.Fatalf("menu = %+v", g.ad.menu)
	}
}

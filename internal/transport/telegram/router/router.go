// Package router dispatches Telegram updates to command and callback
// handlers on a bounded worker pool.
package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"nagbot/internal/access"
	rtsup "nagbot/internal/runtime/supervisor"
	kit "nagbot/internal/transport"
	logx "nagbot/pkg/logx"
)

// Gate decides whether a user may be served. *access.Gate satisfies it;
// other implementations signal limits with access.ErrRateLimited.
type Gate interface {
	Allow(userID int64) error
	IsAdmin(userID int64) bool
}

type Command struct {
	Name        string   // without the slash
	Aliases     []string // extra names, e.g. "list" for "view"
	Description string
	Usage       string
	AdminOnly   bool
	Timeout     time.Duration // 0 means DefaultTimeout
	Handle      HandlerFunc
}

// CallbackRoute handles inline-button presses whose data starts with
// "<Action>:". The full data string is in Request.Payload.
type CallbackRoute struct {
	Action  string
	Timeout time.Duration
	Handle  HandlerFunc
}

const DefaultTimeout = 15 * time.Second

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	IsAdmin bool
	Command string   // command name or "cb:<action>"
	Args    []string // whitespace-separated arguments
	Text    string   // raw argument text after the command word
	Payload string   // callback data

	ReqID   string
	Adapter kit.Adapter
	Logger  logx.Logger

	answer string
}

// Reply sends an HTML message to the request's chat.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// ReplyWith sends an HTML message carrying reply markup.
func (r *Request) ReplyWith(ctx context.Context, html string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup})
	return err
}

// Show replaces the pressed message for callback requests and replies
// otherwise. A failed edit falls back to a new message.
func (r *Request) Show(ctx context.Context, html string, markup any) error {
	cb := r.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return r.ReplyWith(ctx, html, markup)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup}
	if err := r.Adapter.EditText(ctx, ref, html, opt); err != nil {
		r.Logger.Debug("edit failed, sending instead", logx.Err(err))
		return r.ReplyWith(ctx, html, markup)
	}
	return nil
}

// Answer sets the toast shown when a callback request finishes.
func (r *Request) Answer(text string) { r.answer = text }

// Answered returns the toast set by Answer.
func (r *Request) Answered() string { return r.answer }

// Rest returns the argument text after the first n arguments.
func (r *Request) Rest(n int) string {
	s := strings.TrimSpace(r.Text)
	for i := 0; i < n && s != ""; i++ {
		j := strings.IndexFunc(s, isSpace)
		if j < 0 {
			return ""
		}
		s = strings.TrimSpace(s[j:])
	}
	return s
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

// Replies for gated requests.
const (
	TextDenied      = "⛔ You are not allowed to use this bot."
	TextRateLimited = "⏳ Too many requests. Please slow down."
	TextAdminOnly   = "⛔ This command is for admins only."
	TextUnknown     = "Unknown command. Try /help"
	TextBusy        = "Busy, please try again in a moment."
)

type Router struct {
	mu        sync.RWMutex
	commands  []Command
	byName    map[string]*Command
	callbacks map[string]CallbackRoute

	gate    Gate
	adapter kit.Adapter
	log     logx.Logger

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(adapter kit.Adapter, gate Gate, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		byName:    map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		gate:      gate,
		adapter:   adapter,
		log:       log.With(logx.String("comp", "telegram.router")),
		jobs:      make(chan func(), 256),
	}
	return r
}

func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	list := make([]Command, 0, len(cmds))
	byName := map[string]*Command{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	for i := range list {
		c := &list[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, taken := byName[a]; !taken {
				byName[a] = c
			}
		}
	}
	cb := map[string]CallbackRoute{}
	for _, rt := range cbs {
		if a := strings.TrimSpace(rt.Action); a != "" && rt.Handle != nil {
			cb[a] = rt
		}
	}

	r.mu.Lock()
	r.commands = list
	r.byName = byName
	r.callbacks = cb
	r.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.commands...)
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue tolerates a jobs channel closed by shutdown.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	var closeOnce sync.Once
	defer func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

// splitCommand parses "/name@bot rest".
func splitCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word := text[1:]
	if i := strings.IndexFunc(word, isSpace); i >= 0 {
		word, rest = word[:i], word[i:]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", "", false
	}
	return strings.ToLower(word), strings.TrimSpace(rest), true
}

// admit applies the gate. It returns the reply for a rejected user.
func (r *Router) admit(userID int64) (bool, string) {
	if r.gate == nil {
		return true, ""
	}
	err := r.gate.Allow(userID)
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, access.ErrRateLimited):
		return false, TextRateLimited
	default:
		return false, TextDenied
	}
}

func (r *Router) isAdmin(userID int64) bool {
	return r.gate != nil && r.gate.IsAdmin(userID)
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	if allowed, reply := r.admit(msg.FromID); !allowed {
		r.log.Info("request rejected", logx.Int64("from_id", msg.FromID), logx.String("cmd", name), logx.String("reason", reply))
		_, _ = r.adapter.SendText(ctx, chat, reply, nil)
		return
	}

	r.mu.RLock()
	cmd, found := r.byName[name]
	r.mu.RUnlock()
	if !found {
		_, _ = r.adapter.SendText(ctx, chat, TextUnknown, nil)
		return
	}
	admin := r.isAdmin(msg.FromID)
	if cmd.AdminOnly && !admin {
		_, _ = r.adapter.SendText(ctx, chat, TextAdminOnly, nil)
		return
	}

	req := r.newRequest(up, chat, msg.FromID, admin, cmd.Name)
	req.Text = rest
	req.Args = strings.Fields(rest)

	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(orDefault(cmd.Timeout)),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, TextBusy, nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)
	action, _, _ := strings.Cut(data, ":")

	r.mu.RLock()
	rt, found := r.callbacks[action]
	r.mu.RUnlock()
	if !found {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if allowed, reply := r.admit(cb.FromID); !allowed {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, reply)
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID}, cb.FromID, r.isAdmin(cb.FromID), "cb:"+action)
	req.Payload = data

	final := Chain(rt.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(orDefault(rt.Timeout)),
	)
	if !r.tryEnqueue(func() {
		_ = final(ctx, req)
		// Stop the client's loading spinner.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, req.answer)
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, TextBusy)
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, admin bool, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		IsAdmin: admin,
		Command: cmd,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}

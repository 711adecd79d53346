package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rtsup "seatwatch/internal/runtime/supervisor"
	kit "seatwatch/internal/transport"
	logx "seatwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Timeout overrides the router default when > 0.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Sender is the outbound half of a chat adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Request is one parsed command invocation.
type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	Command string
	Args    []string
	ReqID   string
	IsOwner bool
	Logger  logx.Logger

	sender Sender
}

// Reply sends HTML text to the chat (and topic) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// UserError carries a message meant for the chat as is.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

func Errorf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	Owners         []int64
	// BotUsername filters commands addressed to a different bot.
	BotUsername string
}

type Router struct {
	log     logx.Logger
	sender  Sender
	metrics *prometheus.CounterVec

	mu      sync.RWMutex
	cfg     Config
	owners  map[int64]bool
	cmds    []*Command
	byName  map[string]*Command
	observe []func(kit.Message)
}

// New builds a router with /help already registered. reg may be nil.
func New(cfg Config, sender Sender, log logx.Logger, reg prometheus.Registerer) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:    log,
		sender: sender,
		byName: map[string]*Command{},
	}
	if reg != nil {
		r.metrics = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "seatwatch",
			Name:      "commands_total",
			Help:      "Chat commands handled by command and result.",
		}, []string{"command", "result"})
	}
	r.Apply(cfg)
	_ = r.Register(Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			topic := ""
			if len(req.Args) > 0 {
				topic = req.Args[0]
			}
			return req.Reply(ctx, r.helpText(topic, req.IsOwner))
		},
	})
	return r
}

// Apply swaps owners and limits. Worker count changes take effect on the
// next Run.
func (r *Router) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	owners := make(map[int64]bool, len(cfg.Owners))
	for _, id := range cfg.Owners {
		owners[id] = true
	}
	r.mu.Lock()
	r.cfg = cfg
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) SetBotUsername(name string) {
	r.mu.Lock()
	r.cfg.BotUsername = name
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

// Register adds commands. Names and aliases are case-insensitive and must
// be unique.
func (r *Router) Register(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			return errors.New("router: command needs a name and a handler")
		}
		names := append([]string{c.Name}, c.Aliases...)
		for j, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if _, dup := r.byName[n]; dup {
				return fmt.Errorf("router: duplicate command %q", n)
			}
			names[j] = n
		}
		c.Aliases = names[1:]
		for _, n := range names {
			r.byName[n] = &c
		}
		r.cmds = append(r.cmds, &c)
	}
	return nil
}

// Observe registers fn to see every inbound message, command or not.
func (r *Router) Observe(fn func(kit.Message)) {
	r.mu.Lock()
	r.observe = append(r.observe, fn)
	r.mu.Unlock()
}

// Menu is the command menu for the platform.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return buildMenu(r.cmds)
}

// SyncMenu publishes Menu when the sender supports it.
func (r *Router) SyncMenu(ctx context.Context) error {
	up, ok := r.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, r.Menu())
}

type job struct {
	cmd *Command
	req *Request
}

// Run dispatches messages from in to a pool of workers until ctx is done
// or in is closed, then waits for in-flight commands.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) error {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	jobs := make(chan job, cfg.QueueSize)
	for i := 0; i < cfg.Workers; i++ {
		sup.Go(fmt.Sprintf("router.worker.%d", i), func(c context.Context) error {
			for j := range jobs {
				r.execute(c, j)
			}
			return nil
		})
	}

	defer func() {
		close(jobs)
		_ = sup.Wait(context.Background())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.dispatch(ctx, jobs, msg)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, jobs chan<- job, msg kit.Message) {
	r.mu.RLock()
	hooks := slices.Clone(r.observe)
	bot := r.cfg.BotUsername
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(msg)
	}

	word, addressed, args, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	if addressed != "" && bot != "" && !strings.EqualFold(addressed, bot) {
		return
	}

	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Command: word,
		Args:    args,
		ReqID:   uuid.New().String(),
		IsOwner: r.IsOwner(msg.FromID),
		sender:  r.sender,
	}
	req.Logger = r.log.With(
		logx.String("req_id", req.ReqID),
		logx.String("cmd", word),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)

	r.mu.RLock()
	cmd, found := r.byName[word]
	r.mu.RUnlock()
	switch {
	case !found:
		// groups share the slash namespace with other bots
		if !msg.IsGroup {
			r.count("_unknown", "unknown")
			r.reply(ctx, req, "❓ Unknown command <code>/"+html.EscapeString(word)+"</code>. Type <code>/help</code>.")
		}
		return
	case cmd.Access == AccessOwnerOnly && !req.IsOwner:
		r.count(cmd.Name, "denied")
		r.reply(ctx, req, "🔒 This command is for the bot owner only.")
		return
	}

	select {
	case jobs <- job{cmd: cmd, req: req}:
	default:
		r.count(cmd.Name, "busy")
		req.Logger.Warn("command queue full")
		r.reply(ctx, req, "⏳ Busy, please try again shortly.")
	}
}

func (r *Router) execute(ctx context.Context, j job) {
	r.mu.RLock()
	timeout := r.cfg.CommandTimeout
	r.mu.RUnlock()
	if j.cmd.Timeout > 0 {
		timeout = j.cmd.Timeout
	}

	h := Chain(j.cmd.Handle,
		MWMetrics(r.count, j.cmd.Name),
		MWRequestLog(),
		MWPanicRecover(),
		MWTimeout(timeout),
	)
	err := h(ctx, j.req)

	var ue *UserError
	switch resultOf(err) {
	case ResultOK:
	case ResultUserError:
		errors.As(err, &ue)
		r.reply(ctx, j.req, "⚠️ "+html.EscapeString(ue.Msg))
	case ResultTimeout:
		r.reply(ctx, j.req, "⌛ The command timed out.")
	default:
		if ctx.Err() == nil {
			r.reply(ctx, j.req, "⚠️ Something went wrong, please try again.")
		}
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := req.Reply(sctx, text); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (r *Router) count(cmd, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.WithLabelValues(cmd, result).Inc()
}

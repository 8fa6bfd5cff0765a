// Package router matches incoming chat messages against registered
// command routes and runs the handlers with access control and panic
// containment.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "drip start".
	Route       string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	From    string
	Command string
	Args    []string

	Gateway kit.Gateway
	Logger  logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Gateway.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
}

const defaultCommandTimeout = 5 * time.Minute

// Router dispatches slash commands. Handlers run on their own
// goroutine so a slow command never blocks the update stream.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Command
	owners []int64

	gw  kit.Gateway
	log logx.Logger

	wg sync.WaitGroup
}

func New(gw kit.Gateway, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		routes: map[string]Command{},
		owners: append([]int64(nil), owners...),
		gw:     gw,
		log:    log.With(logx.String("component", "router")),
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		route := normalizeRoute(c.Route)
		if route == "" || c.Handle == nil {
			continue
		}
		c.Route = route
		r.routes[route] = c
	}
}

// SetOwners replaces the owner list. Safe during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// HelpText renders the registered routes sorted by name.
func (r *Router) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Command, 0, len(r.routes))
	for _, c := range r.routes {
		routes = append(routes, c)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Route < routes[j].Route })

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range routes {
		b.WriteString("/")
		b.WriteString(c.Route)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" — ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// HandleMessage matches a message against the routes. Non-command text
// and unknown routes are ignored silently.
func (r *Router) HandleMessage(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	// strip a bot-name suffix: "/drip@somebot"
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	rest := parts[1:]

	cmd, args, ok := r.match(word, rest)
	if !ok {
		return
	}

	req := &Request{
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		From:    msg.FromUsername,
		Command: cmd.Route,
		Args:    args,
		Gateway: r.gw,
		Logger:  r.log,
	}

	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.log.Warn("command denied",
			logx.String("cmd", cmd.Route),
			logx.Int64("from_id", msg.FromID))
		return
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	h := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = h(ctx, req)
	}()
}

// Wait blocks until all in-flight handlers return.
func (r *Router) Wait() { r.wg.Wait() }

// match resolves "word rest..." to the longest registered route: a
// two-token route like "drip start" wins over a bare "drip".
func (r *Router) match(word string, rest []string) (Command, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(rest) > 0 {
		sub := word + " " + strings.ToLower(rest[0])
		if c, ok := r.routes[sub]; ok {
			return c, rest[1:], true
		}
	}
	c, ok := r.routes[word]
	return c, rest, ok
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

func normalizeRoute(route string) string {
	return strings.ToLower(strings.Join(strings.Fields(route), " "))
}

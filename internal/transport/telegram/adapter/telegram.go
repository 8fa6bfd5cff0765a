// Package adapter binds the transport gateway to Telegram via
// telebot. Roles are modelled as membership in dedicated role chats:
// a user "holds" a role while they are a member of the mapped chat.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "dripbot/internal/runtime/supervisor"
	kit "dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// CommunityChatID is the main community group.
	CommunityChatID int64
	// RoleChats maps a role key to the chat whose membership carries
	// that role.
	RoleChats map[string]int64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout: timeout,
			// chat_member updates are not delivered unless asked for.
			AllowedUpdates: []string{"message", "chat_member", "my_chat_member"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnChatMember, func(c tele.Context) error {
		cm := c.ChatMember()
		if cm == nil || cm.NewChatMember == nil || cm.NewChatMember.User == nil {
			return nil
		}
		user := cm.NewChatMember.User
		if user.IsBot {
			return nil
		}
		wasIn := memberPresent(cm.OldChatMember)
		isIn := memberPresent(cm.NewChatMember)
		if wasIn == isIn {
			return nil
		}

		if cm.Chat != nil && cm.Chat.ID == a.cfg.CommunityChatID {
			kind := kit.UpdateMemberJoin
			if !isIn {
				kind = kit.UpdateMemberLeave
			}
			a.sendUpdate(kit.Update{
				Kind:   kind,
				Member: &kit.MemberEvent{UserID: user.ID, Username: user.Username},
			})
			return nil
		}

		role := a.roleForChat(cm.Chat)
		if role == "" {
			return nil
		}
		// The update carries one chat's delta; rebuild the full role
		// set so consumers see every role the user holds now.
		after, err := a.rolesOf(user.ID)
		if err != nil {
			a.log.Warn("role snapshot failed after chat_member update",
				logx.Int64("user_id", user.ID), logx.Err(err))
			after = kit.RoleSet{}
			if isIn {
				after[role] = true
			}
		}
		before := after.Clone()
		if wasIn {
			before[role] = true
		} else {
			delete(before, role)
		}

		a.sendUpdate(kit.Update{
			Kind: kit.UpdateRoleChange,
			RoleChange: &kit.RoleChange{
				UserID:   user.ID,
				Username: user.Username,
				Before:   before,
				After:    after,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("component", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)",
					logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start blocks; run it under a restart loop so the
	// poller self-heals if it ever returns with the app still live.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	return mapSendErr(err)
}

// SendDirect delivers one step to a user's DM. Blocks with an image
// become photo messages with an HTML caption; the affordance is
// attached to the final message as an inline URL button.
func (a *Adapter) SendDirect(ctx context.Context, userID int64, blocks []kit.Block, aff *kit.Affordance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	user := &tele.User{ID: userID}

	for i, b := range blocks {
		var markup *tele.ReplyMarkup
		if i == len(blocks)-1 && aff != nil && aff.URL != "" {
			markup = &tele.ReplyMarkup{}
			markup.Inline(markup.Row(markup.URL(aff.Label, aff.URL)))
		}
		sendOpt := &tele.SendOptions{
			ParseMode:   tele.ModeHTML,
			ReplyMarkup: markup,
		}

		var err error
		if b.ImageURL != "" {
			photo := &tele.Photo{File: tele.FromURL(b.ImageURL), Caption: renderBlock(b)}
			_, err = a.bot.Send(user, photo, sendOpt)
		} else {
			_, err = a.bot.Send(user, renderBlock(b), sendOpt)
		}
		if err != nil {
			return mapSendErr(err)
		}
	}
	return nil
}

func renderBlock(b kit.Block) string {
	var sb strings.Builder
	if b.Title != "" {
		fmt.Fprintf(&sb, "<b>%s</b>\n\n", b.Title)
	}
	sb.WriteString(b.Body)
	if b.Footer != "" {
		fmt.Fprintf(&sb, "\n\n<i>%s</i>", b.Footer)
	}
	return sb.String()
}

func (a *Adapter) Roles(ctx context.Context, userID int64) (kit.RoleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.rolesOf(userID)
}

func (a *Adapter) rolesOf(userID int64) (kit.RoleSet, error) {
	set := kit.RoleSet{}
	for role, chatID := range a.cfg.RoleChats {
		member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
		if err != nil {
			if isNotMemberErr(err) {
				continue
			}
			return nil, fmt.Errorf("role %q lookup: %w", role, err)
		}
		if memberPresent(member) {
			set[role] = true
		}
	}
	return set, nil
}

// GrantRole adds the user to the role chat: any ban is lifted, then a
// single-use invite link is sent to the user's DM.
func (a *Adapter) GrantRole(ctx context.Context, userID int64, role, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, ok := a.cfg.RoleChats[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	chat := &tele.Chat{ID: chatID}
	user := &tele.User{ID: userID}

	// Unban for users who were kicked before; harmless otherwise.
	if err := a.bot.Unban(chat, user, true); err != nil && !isNotMemberErr(err) {
		a.log.Debug("unban before grant failed",
			logx.Int64("user_id", userID), logx.String("role", role), logx.Err(err))
	}

	invite, err := a.bot.CreateInviteLink(chat, &tele.ChatInviteLink{
		MemberLimit: 1,
		Name:        reason,
	})
	if err != nil {
		return fmt.Errorf("invite link for role %q: %w", role, err)
	}
	_, err = a.bot.Send(user, fmt.Sprintf("You have access now. Join here: %s", invite.InviteLink))
	if err != nil {
		return mapSendErr(err)
	}
	a.log.Info("role granted",
		logx.Int64("user_id", userID),
		logx.String("role", role),
		logx.String("reason", reason))
	return nil
}

// RevokeRole removes the user from the role chat. Ban+unban kicks
// without leaving a permanent ban so a later grant still works.
func (a *Adapter) RevokeRole(ctx context.Context, userID int64, role, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, ok := a.cfg.RoleChats[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	chat := &tele.Chat{ID: chatID}
	user := &tele.User{ID: userID}

	if err := a.bot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
		return fmt.Errorf("kick from role %q: %w", role, err)
	}
	if err := a.bot.Unban(chat, user, true); err != nil {
		a.log.Warn("unban after kick failed",
			logx.Int64("user_id", userID), logx.String("role", role), logx.Err(err))
	}
	a.log.Info("role revoked",
		logx.Int64("user_id", userID),
		logx.String("role", role),
		logx.String("reason", reason))
	return nil
}

func (a *Adapter) IsMember(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: a.cfg.CommunityChatID}, &tele.User{ID: userID})
	if err != nil {
		if isNotMemberErr(err) {
			return false, nil
		}
		return false, err
	}
	return memberPresent(member), nil
}

func (a *Adapter) roleForChat(chat *tele.Chat) string {
	if chat == nil {
		return ""
	}
	for role, id := range a.cfg.RoleChats {
		if id == chat.ID {
			return role
		}
	}
	return ""
}

// memberPresent reports whether a chat-member record means "in the
// chat". Restricted members are still in.
func memberPresent(m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
		return true
	default:
		return false
	}
}

func mapSendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrNotStartedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) {
		return fmt.Errorf("%w: %v", kit.ErrDMForbidden, err)
	}
	return err
}

func isNotMemberErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user not found") ||
		strings.Contains(msg, "participant_id_invalid") ||
		strings.Contains(msg, "member not found")
}

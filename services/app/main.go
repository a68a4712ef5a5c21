package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rentora/internal/api"
	"github.com/rentora/internal/chat"
	"github.com/rentora/internal/config"
	filestore "github.com/rentora/internal/credstore/file"
	"github.com/rentora/internal/guard"
	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/realtime"
	"github.com/rentora/internal/session"
)

// wakeProbe — LifecycleSignals для терминального клиента: раз в 30 секунд
// будит менеджер, чтобы упавшее между ретраями соединение переподнялось.
type wakeProbe struct {
	ch   chan struct{}
	stop chan struct{}
}

func newWakeProbe(interval time.Duration) *wakeProbe {
	p := &wakeProbe{ch: make(chan struct{}, 1), stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case p.ch <- struct{}{}:
				default:
				}
			case <-p.stop:
				close(p.ch)
				return
			}
		}
	}()
	return p
}

func (p *wakeProbe) Wake() <-chan struct{} { return p.ch }
func (p *wakeProbe) Stop()                 { close(p.stop) }

func main() {
	logger.SetPrefix("app")
	cfg := config.Load()

	apiClient := api.New(cfg.APIBaseURL, cfg.RequestTimeout)
	creds := filestore.New(cfg.CredentialsPath)
	sess := session.NewStore(apiClient, creds)
	rt := realtime.NewManager(cfg.Realtime.URL(), cfg.Realtime.AppKey, apiClient, creds)

	ctrl := chat.NewController(apiClient, rt,
		func() model.Session { return sess.Snapshot().Session },
		nil)

	// Сессия ведёт транспорт: авторизовались — подключаемся, вышли — рвём.
	unsubscribe := sess.Subscribe(func(snap session.Snapshot) {
		switch snap.State {
		case session.StateAuthenticated:
			rt.Connect(snap.Session)
		case session.StateAnonymous:
			ctrl.CloseConversation()
			rt.Disconnect()
		}
	})
	defer unsubscribe()

	rt.OnAuthFailure(func() {
		fmt.Println("! session expired, please log in again")
		sess.ForceLogout()
	})
	rt.OnStateChange(func(st realtime.State) {
		logger.Infof("realtime: %s", st)
	})

	probe := newWakeProbe(30 * time.Second)
	defer probe.Stop()
	stopWatch := rt.WatchLifecycle(probe)
	defer stopWatch()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sess.Init(initCtx)
	cancel()

	fmt.Println("rentora terminal client. Type 'help' for commands.")
	repl(sess, ctrl, rt)

	rt.Disconnect()
}

func repl(sess *session.Store, ctrl *chat.Controller, rt *realtime.Manager) {
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch cmd {
		case "help":
			printHelp()
		case "login":
			cmdLogin(ctx, sess, rest)
		case "register":
			cmdRegister(ctx, sess, rest)
		case "logout":
			sess.Logout(ctx)
			fmt.Println("logged out")
		case "whoami":
			cmdWhoami(sess, rt)
		case "ls":
			cmdList(ctx, sess, ctrl)
		case "open":
			cmdOpen(ctx, ctrl, rest)
		case "close":
			ctrl.CloseConversation()
		case "send":
			cmdSend(ctx, ctrl, rest)
		case "typing":
			for _, name := range ctrl.TypingUsers() {
				fmt.Printf("%s is typing...\n", name)
			}
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("unknown command, try 'help'")
		}
		cancel()
	}
}

func printHelp() {
	fmt.Println(`commands:
  login <email> <password>
  register <guest|host> <email> <password> <display name>
  logout | whoami
  ls                 list conversations
  open <n>           open conversation by list number
  send <text>        send message to the open conversation
  typing | close | quit`)
}

func cmdLogin(ctx context.Context, sess *session.Store, rest string) {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		fmt.Println("usage: login <email> <password>")
		return
	}
	s, err := sess.Login(ctx, parts[0], parts[1])
	if err != nil {
		fmt.Printf("login failed: %v\n", err)
		return
	}
	fmt.Printf("welcome, %s (%s)\n", s.DisplayName, s.Role)
}

func cmdRegister(ctx context.Context, sess *session.Store, rest string) {
	parts := strings.SplitN(rest, " ", 4)
	if len(parts) < 4 {
		fmt.Println("usage: register <guest|host> <email> <password> <display name>")
		return
	}
	s, err := sess.Register(ctx, api.RegisterRequest{
		Role:        model.Role(parts[0]),
		Email:       parts[1],
		Password:    parts[2],
		DisplayName: strings.TrimSpace(parts[3]),
	})
	if err != nil {
		fmt.Printf("register failed: %v\n", err)
		return
	}
	fmt.Printf("welcome, %s (%s)\n", s.DisplayName, s.Role)
}

func cmdWhoami(sess *session.Store, rt *realtime.Manager) {
	snap := sess.Snapshot()
	if !snap.Authenticated() {
		fmt.Println("not logged in")
		return
	}
	fmt.Printf("%s (%s), realtime: %s\n", snap.Session.DisplayName, snap.Session.Role, rt.State())
	switch guard.HostOnly(snap) {
	case guard.DecisionAllow:
		fmt.Println("surface: host dashboard")
	default:
		fmt.Println("surface: guest")
	}
}

func cmdList(ctx context.Context, sess *session.Store, ctrl *chat.Controller) {
	if !sess.Snapshot().Authenticated() {
		fmt.Println("log in first")
		return
	}
	convs, err := ctrl.RefreshConversations(ctx)
	if err != nil {
		fmt.Printf("failed to load conversations: %v\n", err)
		return
	}
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	selfID := sess.Snapshot().Session.UserID
	for i, c := range convs {
		peer := "?"
		for _, p := range c.Participants {
			if p.ID != selfID {
				peer = p.DisplayName
			}
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
			if len(last) > 40 {
				last = last[:37] + "..."
			}
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%2d. %-20s listing=%s%s  %s\n", i+1, peer, c.ListingID, unread, last)
	}
}

func cmdOpen(ctx context.Context, ctrl *chat.Controller, rest string) {
	n := 0
	fmt.Sscanf(rest, "%d", &n)
	convs := ctrl.Conversations()
	if n < 1 || n > len(convs) {
		fmt.Println("usage: open <n> (run 'ls' first)")
		return
	}
	msgs, err := ctrl.OpenConversation(ctx, convs[n-1].ID)
	if err != nil {
		fmt.Printf("failed to open: %v\n", err)
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func cmdSend(ctx context.Context, ctrl *chat.Controller, rest string) {
	if ctrl.OpenID() == "" {
		fmt.Println("open a conversation first")
		return
	}
	if rest == "" {
		fmt.Println("usage: send <text>")
		return
	}
	m, err := ctrl.SendMessage(ctx, ctrl.OpenID(), rest)
	if err != nil {
		fmt.Printf("send failed: %v\n", err)
		return
	}
	printMessage(*m)
}

func printMessage(m model.Message) {
	name := m.SenderID
	if m.Sender != nil {
		name = m.Sender.DisplayName
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Content)
}

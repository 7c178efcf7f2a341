package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juststayawake/chatuser/pkg/account"
	"github.com/juststayawake/chatuser/pkg/cache"
	"github.com/juststayawake/chatuser/pkg/config"
	"github.com/juststayawake/chatuser/pkg/logutil"
	"github.com/juststayawake/chatuser/pkg/session"
	"github.com/juststayawake/chatuser/pkg/version"
	"github.com/juststayawake/chatuser/pkg/wizard"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "chat",
		Short: "Terminal client for the chatuser relay",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	var logLevel string
	var clientConfigPath string
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel)
	}
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "warn", "Log level (trace, debug, info, warn, error, fatal)")
	root.PersistentFlags().StringVar(&clientConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Configure relay URL, credentials and chat settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			if err := wizard.RunClientWizard(cmd.InOrStdin(), cmd.OutOrStdout(), clientConfigPath, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved.")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "login <token>",
		Short: "Save an account token and fetch the profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), cmd.OutOrStdout(), clientConfigPath, args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start an interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), clientConfigPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "charge",
		Short: "Show how to buy more credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			notice, err := newController(cfg, nil).PayNotice(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), notice)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print chat client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("chat"))
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cachedProfile is the last user record seen for a relay, shown before the
// first refresh completes.
type cachedProfile struct {
	ServerURL string       `json:"server_url"`
	User      account.User `json:"user"`
	SavedAt   time.Time    `json:"saved_at"`
}

func loadProfile(cfg *config.ClientConfig) (account.User, bool) {
	var p cachedProfile
	if err := cache.LoadJSON(cfg.ProfilePath, &p); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Warn("ignoring unreadable profile cache", "path", cfg.ProfilePath, "error", err)
		}
		return account.User{}, false
	}
	if p.ServerURL != cfg.ServerURL || p.User.Token != cfg.Token {
		return account.User{}, false
	}
	return p.User, true
}

func saveProfile(cfg *config.ClientConfig, u account.User) {
	if u.Token == "" {
		u.Token = cfg.Token
	}
	p := cachedProfile{ServerURL: cfg.ServerURL, User: u, SavedAt: time.Now().UTC()}
	if err := cache.SaveJSON(cfg.ProfilePath, p); err != nil {
		slog.Warn("profile cache not saved", "path", cfg.ProfilePath, "error", err)
	}
}

func newController(cfg *config.ClientConfig, onUpdate func(string)) *session.Controller {
	u, _ := loadProfile(cfg)
	return session.New(session.Options{
		ServerURL:  cfg.ServerURL,
		Token:      cfg.Token,
		Password:   cfg.Password,
		SignSecret: cfg.SignSecret,
		Settings:   session.Settings{ContinuousDialogue: cfg.ContinuousDialogue},
		SystemRole: cfg.SystemRole,
		User:       u,
		OnUpdate:   onUpdate,
	})
}

func runLogin(ctx context.Context, out io.Writer, path, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token cannot be empty")
	}
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	cfg.Token = token
	u, err := newController(cfg, nil).Refresh(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save client config: %w", err)
	}
	saveProfile(cfg, u)
	fmt.Fprintf(out, "Logged in as %s, %d credits left this month.\n", displayName(u), u.Times)
	return nil
}

func runInteractive(ctx context.Context, in io.Reader, out io.Writer, path string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	sh := newShell(cfg, path, out)
	if cfg.Token != "" {
		if u, err := sh.ctrl.Refresh(ctx); err == nil {
			saveProfile(cfg, u)
		} else {
			slog.Warn("profile refresh failed", "error", err)
		}
	}
	sh.greet()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				// first Ctrl-C stops a reply, one at the prompt quits
				if !sh.ctrl.Stop() {
					cancel()
					return
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			if sh.handle(ctx, line) {
				return nil
			}
		}
	}
}

// shell maps input lines onto controller operations and prints replies as
// they stream in.
type shell struct {
	cfg     *config.ClientConfig
	cfgPath string
	out     io.Writer
	ctrl    *session.Controller

	mu      sync.Mutex
	printed int
}

func newShell(cfg *config.ClientConfig, cfgPath string, out io.Writer) *shell {
	sh := &shell{cfg: cfg, cfgPath: cfgPath, out: out}
	sh.ctrl = newController(cfg, sh.onUpdate)
	return sh
}

// onUpdate receives the whole reply so far; only the unseen suffix is printed.
func (sh *shell) onUpdate(text string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(text) <= sh.printed {
		return
	}
	fmt.Fprint(sh.out, text[sh.printed:])
	sh.printed = len(text)
}

// endReply terminates the streamed line and reports whether anything was printed.
func (sh *shell) endReply(suffix string) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	wrote := sh.printed > 0
	if wrote || suffix != "" {
		fmt.Fprintln(sh.out, suffix)
	}
	sh.printed = 0
	return wrote
}

func (sh *shell) greet() {
	u := sh.ctrl.User()
	if sh.cfg.Token == "" {
		fmt.Fprintln(sh.out, "Not logged in. Run `chat login <token>` to use your account.")
	} else {
		fmt.Fprintf(sh.out, "Hi %s, %d credits left this month.\n", displayName(u), u.Times)
	}
	fmt.Fprintln(sh.out, "Type /help for commands. Ctrl-C stops a reply.")
}

func displayName(u account.User) string {
	if u.Nickname != "" {
		return u.Nickname
	}
	if u.Email != "" {
		return u.Email
	}
	return "there"
}

type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg" input. ok is false for plain chat text.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return command{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", v)
	}
}

// handle runs one input line and reports whether the shell should exit.
func (sh *shell) handle(ctx context.Context, line string) bool {
	cmd, ok := parseCommand(line)
	if !ok {
		if strings.TrimSpace(line) == "" {
			return false
		}
		sh.reply(sh.ctrl.Send(ctx, line))
		return false
	}
	switch cmd.name {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(sh.out, "/retry  /clear  /system <text>  /continuous on|off  /me  /charge  /quit")
	case "retry":
		sh.reply(sh.ctrl.Retry(ctx))
	case "clear":
		sh.ctrl.Clear()
		fmt.Fprintln(sh.out, "Conversation cleared.")
	case "system":
		sh.ctrl.SetSystemRole(cmd.arg)
		sh.cfg.SystemRole = sh.ctrl.SystemRole()
		sh.persist()
		if sh.cfg.SystemRole == "" {
			fmt.Fprintln(sh.out, "System role removed.")
		} else {
			fmt.Fprintln(sh.out, "System role set.")
		}
	case "continuous":
		on, err := parseOnOff(cmd.arg)
		if err != nil {
			fmt.Fprintln(sh.out, err)
			return false
		}
		sh.ctrl.SetContinuous(on)
		sh.cfg.ContinuousDialogue = on
		sh.persist()
		if on {
			fmt.Fprintln(sh.out, "Continuous dialogue on.")
		} else {
			fmt.Fprintln(sh.out, "Continuous dialogue off.")
		}
	case "me":
		u, err := sh.ctrl.Refresh(ctx)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
			return false
		}
		saveProfile(sh.cfg, u)
		fmt.Fprintf(sh.out, "%s <%s>: %d credits left this month.\n", displayName(u), u.Email, u.Times)
	case "charge":
		notice, err := sh.ctrl.PayNotice(ctx)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(sh.out, notice)
	default:
		fmt.Fprintf(sh.out, "unknown command /%s, try /help\n", cmd.name)
	}
	return false
}

func (sh *shell) reply(r session.Reply, err error) {
	if err != nil {
		sh.endReply("")
		var reqErr *session.RequestError
		if errors.As(err, &reqErr) && reqErr.Code != "" {
			fmt.Fprintf(sh.out, "error [%s]: %s\n", reqErr.Code, reqErr.Message)
		} else {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		return
	}
	if r.Discarded {
		sh.endReply(" [cleared]")
		return
	}
	sh.onUpdate(r.Text)
	if r.Stopped {
		sh.endReply(" [stopped]")
	} else {
		sh.endReply("")
	}
	saveProfile(sh.cfg, sh.ctrl.User())
}

func (sh *shell) persist() {
	if err := config.Save(sh.cfgPath, sh.cfg); err != nil {
		slog.Warn("client config not saved", "path", sh.cfgPath, "error", err)
	}
}

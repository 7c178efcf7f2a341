package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/juststayawake/chatuser/pkg/config"
)

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	p := prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "Relay server configuration wizard")
	cfg.ListenAddr = p.ask("Listen address", cfg.ListenAddr)
	cfg.SitePassword = p.ask("Site password (empty disables)", cfg.SitePassword)
	cfg.AdminToken = p.ask("Admin token for /admin endpoints", cfg.AdminToken)

	cfg.Upstream.BaseURL = p.ask("Upstream base URL", cfg.Upstream.BaseURL)
	cfg.Upstream.APIKey = p.ask("Upstream API key", cfg.Upstream.APIKey)
	cfg.Upstream.ProxyURL = p.ask("Upstream HTTPS proxy", cfg.Upstream.ProxyURL)

	cfg.Account.BaseURL = p.ask("Account service URL", cfg.Account.BaseURL)
	cfg.Account.AppKey = p.ask("Account app key", cfg.Account.AppKey)

	cfg.Signature.Enabled = p.askBool("Require request signatures? (y/N)", cfg.Signature.Enabled)
	if cfg.Signature.Enabled {
		cfg.Signature.Secret = p.ask("Signature secret", cfg.Signature.Secret)
		tol := p.ask("Signature tolerance seconds", strconv.Itoa(cfg.Signature.ToleranceSeconds))
		if v, err := strconv.Atoi(strings.TrimSpace(tol)); err == nil && v > 0 {
			cfg.Signature.ToleranceSeconds = v
		}
		cfg.Signature.Replay = p.ask("Replay guard (memory/redis/off)", cfg.Signature.Replay)
		if strings.EqualFold(strings.TrimSpace(cfg.Signature.Replay), config.ReplayRedis) {
			cfg.Signature.RedisURL = p.ask("Redis URL", cfg.Signature.RedisURL)
		}
	}

	cfg.TLS.Enabled = p.askBool("Enable Let's Encrypt TLS? (y/N)", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = p.ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = p.ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = p.ask("ACME cache dir", cfg.TLS.CacheDir)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func RunClientWizard(in io.Reader, out io.Writer, path string, cfg *config.ClientConfig) error {
	p := prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "Chat client configuration wizard")
	cfg.ServerURL = p.ask("Relay server URL", cfg.ServerURL)
	cfg.Token = p.ask("Account token", cfg.Token)
	cfg.Password = p.ask("Site password", cfg.Password)
	cfg.SignSecret = p.ask("Signature secret", cfg.SignSecret)
	cfg.ContinuousDialogue = p.askBool("Continuous dialogue? (Y/n)", cfg.ContinuousDialogue)
	cfg.SystemRole = p.ask("System role", cfg.SystemRole)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func (p prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func (p prompter) askBool(label string, def bool) bool {
	v := strings.ToLower(p.ask(label, strconv.FormatBool(def)))
	switch v {
	case "y", "yes", "true", "1", "on":
		return true
	case "n", "no", "false", "0", "off":
		return false
	default:
		return def
	}
}

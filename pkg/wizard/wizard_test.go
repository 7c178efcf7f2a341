package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juststayawake/chatuser/pkg/config"
)

func TestRunServerWizardSavesAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatuser.toml")
	answers := strings.Join([]string{
		":9090",
		"hunter2",
		"",
		"",
		"sk-test",
		"",
		"https://acct.example",
		"app-1",
		"y",
		"sig-secret",
		"120",
		"memory",
		"n",
	}, "\n") + "\n"
	var out bytes.Buffer
	cfg := config.NewDefaultServerConfig()
	if err := RunServerWizard(strings.NewReader(answers), &out, path, cfg); err != nil {
		t.Fatalf("RunServerWizard: %v\n%s", err, out.String())
	}
	loaded, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if loaded.ListenAddr != ":9090" || loaded.SitePassword != "hunter2" || loaded.Upstream.APIKey != "sk-test" {
		t.Fatalf("unexpected config %+v", loaded)
	}
	if loaded.Upstream.BaseURL != "https://api.openai.com" {
		t.Fatalf("empty answer must keep default, got %q", loaded.Upstream.BaseURL)
	}
	if !loaded.Signature.Enabled || loaded.Signature.ToleranceSeconds != 120 || loaded.Account.AppKey != "app-1" {
		t.Fatalf("unexpected signature/account %+v %+v", loaded.Signature, loaded.Account)
	}
}

func TestRunServerWizardRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatuser.toml")
	cfg := config.NewDefaultServerConfig()
	cfg.Signature.Enabled = false
	// EOF on every prompt keeps defaults, which lack an account URL.
	if err := RunServerWizard(strings.NewReader(""), &bytes.Buffer{}, path, cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunClientWizard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.toml")
	answers := "http://relay.local:8080/\ntok-1\n\nsecret\nn\nYou are terse.\n"
	cfg := config.NewDefaultClientConfig()
	if err := RunClientWizard(strings.NewReader(answers), &bytes.Buffer{}, path, cfg); err != nil {
		t.Fatalf("RunClientWizard: %v", err)
	}
	loaded, err := config.LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if loaded.ServerURL != "http://relay.local:8080" || loaded.Token != "tok-1" || loaded.ContinuousDialogue {
		t.Fatalf("unexpected client config %+v", loaded)
	}
	if loaded.SystemRole != "You are terse." {
		t.Fatalf("unexpected system role %q", loaded.SystemRole)
	}
}

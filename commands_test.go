package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"relaychat/config"
	"relaychat/models"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("relaychat %s failed: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestWalletCreateListAndLast(t *testing.T) {
	t.Setenv(config.DataDirEnv, t.TempDir())

	created := execute(t, "wallet", "create", "-p", "secret")
	if !strings.Contains(created, "Address: 0x") {
		t.Fatalf("unexpected create output: %q", created)
	}
	address := strings.TrimSpace(created[strings.Index(created, "0x"):])
	address = strings.Fields(address)[0]

	listed := execute(t, "wallet", "list")
	if strings.TrimSpace(listed) != address {
		t.Fatalf("expected %q in wallet list, got %q", address, listed)
	}

	last := execute(t, "last", "-a", address)
	if !strings.Contains(last, "last: 0") || !strings.Contains(last, "confirmed: 0") {
		t.Fatalf("unexpected last output: %q", last)
	}

	history := execute(t, "history", "-a", address)
	if history != "" {
		t.Fatalf("expected empty history, got %q", history)
	}
}

func TestWalletCreateRequiresPassphrase(t *testing.T) {
	t.Setenv(config.DataDirEnv, t.TempDir())
	t.Setenv("RELAYCHAT_PASSPHRASE", "")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"wallet", "create"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected missing passphrase error")
	}
}

func TestRelayFlagIsValidated(t *testing.T) {
	t.Setenv(config.DataDirEnv, t.TempDir())

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--relay", "http://relay.example", "wallet", "list"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected relay scheme error")
	}
}

func TestFormatMessage(t *testing.T) {
	plain := models.Message{
		Collocutor:  "0xbob",
		Payload:     hex.EncodeToString([]byte("hello")),
		Timestamp:   0,
		Counter:     3,
		IsInput:     true,
		IsConfirmed: true,
	}
	if got := formatMessage(plain); !strings.HasPrefix(got, "#3 ") || !strings.HasSuffix(got, "<- 0xbob: hello") {
		t.Fatalf("unexpected plain format %q", got)
	}

	pending := models.Message{Collocutor: "0xbob", Payload: "00", Counter: 4, IsEncrypted: true}
	if got := formatMessage(pending); !strings.HasSuffix(got, "-> 0xbob (pending): [encrypted]") {
		t.Fatalf("unexpected pending format %q", got)
	}
}

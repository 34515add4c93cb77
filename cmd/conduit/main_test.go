package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/conduit/internal/normalizer"
)

const qrPayload = `{"event":"qr","instanceId":"inst-1","data":{"qrcode":"data:image/png;base64,AAA"}}`

func TestRunNormalize_Stdin(t *testing.T) {
	var out bytes.Buffer
	if err := runNormalize(strings.NewReader(qrPayload), &out, []string{"uazapi"}); err != nil {
		t.Fatalf("runNormalize: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["kind"] != "instance.qr" || got["instance_id"] != "inst-1" {
		t.Errorf("unexpected event %v", got)
	}
}

func TestRunNormalize_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(qrPayload), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runNormalize(strings.NewReader(""), &out, []string{"uazapi", path}); err != nil {
		t.Fatalf("runNormalize: %v", err)
	}
	if !strings.Contains(out.String(), `"instance.qr"`) {
		t.Errorf("unexpected output %s", out.String())
	}
}

func TestRunNormalize_Errors(t *testing.T) {
	var out bytes.Buffer
	if err := runNormalize(strings.NewReader(qrPayload), &out, []string{"telegram"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	err := runNormalize(strings.NewReader(`{"event":"qr"}`), &out, []string{"uazapi"})
	if !errors.Is(err, normalizer.ErrNormalization) {
		t.Errorf("expected normalization error, got %v", err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "normalize"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

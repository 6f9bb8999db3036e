package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captureSender struct {
	ch chan string
}

func (c *captureSender) Send(_ context.Context, text string) error {
	c.ch <- text
	return nil
}

func (c *captureSender) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
		return ""
	}
}

func (c *captureSender) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-c.ch:
		t.Fatalf("unexpected alert: %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileOutputAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "WARN",
		File:  FileConfig{Enabled: true, Path: path},
	}, nil)

	log.Info("quiet", String("k", "v"))
	log.Warn("loud", String("k", "v"))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "quiet") {
		t.Error("info record written despite WARN level")
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("warn record missing or unstructured: %q", out)
	}
}

func TestApplySwapsOutputs(t *testing.T) {
	pathA := filepath.Join(t.TempDir(), "a.log")
	pathB := filepath.Join(t.TempDir(), "b.log")
	svc, log := New(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: pathA}}, nil)
	defer svc.Close()

	log.Info("first")
	svc.Apply(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: pathB}})
	log.Info("second")
	svc.Close()

	a, _ := os.ReadFile(pathA)
	b, _ := os.ReadFile(pathB)
	if !strings.Contains(string(a), "first") || strings.Contains(string(a), "second") {
		t.Errorf("pathA = %q", a)
	}
	if !strings.Contains(string(b), "second") || strings.Contains(string(b), "first") {
		t.Errorf("pathB = %q", b)
	}
}

func TestAlertSinkLevelGate(t *testing.T) {
	sender := &captureSender{ch: make(chan string, 8)}
	svc, log := New(Config{
		Level: "DEBUG",
		Alert: AlertConfig{Enabled: true, MinLevel: "ERROR", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	sender.none(t)

	log.Error("boom", String("comp", "test"))
	got := sender.next(t)
	if !strings.Contains(got, "boom") || !strings.Contains(got, "[ERROR]") {
		t.Errorf("alert text = %q", got)
	}
	if !strings.Contains(got, "comp") {
		t.Errorf("alert text missing fields: %q", got)
	}
}

func TestAlertSinkRateLimit(t *testing.T) {
	sender := &captureSender{ch: make(chan string, 8)}
	svc, log := New(Config{
		Level: "INFO",
		Alert: AlertConfig{Enabled: true, MinLevel: "ERROR", RatePerSec: 1},
	}, sender)
	defer svc.Close()

	log.Error("one")
	log.Error("two")

	first := sender.next(t)
	if !strings.Contains(first, "one") {
		t.Errorf("first alert = %q", first)
	}
	sender.none(t)
}

func TestNilSenderIsInert(t *testing.T) {
	svc, log := New(Config{
		Level: "INFO",
		Alert: AlertConfig{Enabled: true, MinLevel: "WARN"},
	}, nil)
	defer svc.Close()

	// Must not panic or block.
	log.Error("nobody listening")
}

func TestWithFieldsPropagate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.With(String("comp", "router")).Info("tagged")
	svc.Close()

	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), `"comp":"router"`) {
		t.Errorf("derived logger lost field: %q", b)
	}
}

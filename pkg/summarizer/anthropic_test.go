package summarizer

import (
	"strings"
	"testing"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/memory"
)

func TestNewAnthropic_RequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropic(logger.Nop(), Config{}); err == nil {
		t.Fatal("missing api key must error")
	}
}

func TestNewAnthropic_Defaults(t *testing.T) {
	a, err := NewAnthropic(logger.Nop(), Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropic failed: %v", err)
	}
	if a.cfg.Model == "" || a.cfg.TargetLength != 250 || a.cfg.MaxTokens != 1024 {
		t.Fatalf("defaults not applied: %+v", a.cfg)
	}
}

func TestFoldRequest(t *testing.T) {
	batch := []*memory.Entry{
		{Role: "user", Content: "rename plan.md to roadmap.md"},
		{Role: "assistant", Content: "done", Sources: []string{"roadmap.md"}},
	}

	got := foldRequest("prior summary", batch)
	for _, want := range []string{
		"prior summary",
		"user: rename plan.md to roadmap.md",
		"assistant: done",
		"[sources: roadmap.md]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("request missing %q:\n%s", want, got)
		}
	}

	if got := foldRequest("", batch); !strings.Contains(got, "(none)") {
		t.Errorf("empty prior must render as (none):\n%s", got)
	}
}

func TestSystemPrompt_NamesTargetLength(t *testing.T) {
	if got := systemPrompt(250); !strings.Contains(got, "250 characters") {
		t.Errorf("prompt does not state the length target:\n%s", got)
	}
}

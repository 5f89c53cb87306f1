package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Choice is one lettered branch of a question node. An empty Next marks
// a terminal branch.
type Choice struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
	Next   string `json:"next_question,omitempty"`
}

// Question is one node of the scenario graph.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"question"`
	Context string   `json:"context,omitempty"`
	Image   string   `json:"image,omitempty"`
	Themes  []string `json:"themes,omitempty"`
	Choices []Choice `json:"choices"`
}

// IsContinuation reports whether this node carries no real decision:
// either no choices at all, or a single click-through choice.
func (q *Question) IsContinuation() bool {
	if len(q.Choices) == 0 {
		return true
	}
	if len(q.Choices) != 1 {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(q.Choices[0].Text))
	return text == "continuer" || text == "continue" || strings.TrimSpace(q.Prompt) == ""
}

// ContinueTarget returns the next question id a continuation node leads
// to, or "" when the node is terminal.
func (q *Question) ContinueTarget() string {
	if len(q.Choices) != 1 {
		return ""
	}
	return q.Choices[0].Next
}

// IsTerminal reports whether the narrative ends here: no choices, or
// every choice leads nowhere.
func (q *Question) IsTerminal() bool {
	for _, c := range q.Choices {
		if c.Next != "" {
			return false
		}
	}
	return true
}

// ValidLetter reports whether answer is one of this question's choice
// letters.
func (q *Question) ValidLetter(answer string) bool {
	for _, c := range q.Choices {
		if c.Letter == answer {
			return true
		}
	}
	return false
}

// Scenario is an immutable question graph, shared between every session
// that plays it. Never mutated after Load returns it.
type Scenario struct {
	ID        string
	Title     string
	Start     string
	Questions map[string]*Question
}

func (s *Scenario) Question(id string) *Question {
	return s.Questions[id]
}

// scenarioFile is the on-disk json layout.
type scenarioFile struct {
	Info struct {
		Title         string `json:"title"`
		StartQuestion string `json:"start_question"`
	} `json:"scenario_info"`
	Questions map[string]*Question `json:"questions"`
}

var scenarioIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(\.json)?$`)

// ScenarioStore loads scenario files from a directory and caches the
// parsed graphs for the process lifetime. Reads are concurrent; reloads
// replace the cache entry wholesale rather than mutating it in place.
type ScenarioStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Scenario
}

func newScenarioStore(dir string) *ScenarioStore {
	return &ScenarioStore{
		dir:   dir,
		cache: make(map[string]*Scenario),
	}
}

// Load returns the scenario for id, reading and validating it on first
// use. Concurrent loads of the same id may both parse the file; the
// later result wins the cache slot, which is harmless since both were
// parsed from the same source.
func (ss *ScenarioStore) Load(id string) (*Scenario, error) {
	if !scenarioIDPattern.MatchString(id) {
		return nil, gameErr(kindScenarioLoad, "invalid scenario id")
	}

	key := strings.TrimSuffix(id, ".json")

	ss.mu.RLock()
	cached := ss.cache[key]
	ss.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	data, err := os.ReadFile(filepath.Join(ss.dir, key+".json"))
	if err != nil {
		return nil, gameErr(kindScenarioLoad, fmt.Sprintf("unable to read scenario %q", key))
	}

	scenario, err := parseScenario(key, data)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	ss.cache[key] = scenario
	ss.mu.Unlock()

	return scenario, nil
}

// Invalidate drops a cached scenario so the next Load rereads the file.
// Sessions holding the old pointer keep a consistent graph.
func (ss *ScenarioStore) Invalidate(id string) {
	key := strings.TrimSuffix(id, ".json")

	ss.mu.Lock()
	delete(ss.cache, key)
	ss.mu.Unlock()
}

// Preload warms the cache with every scenario file in the directory.
// Individual failures are logged and skipped; only an unreadable
// directory is fatal.
func (ss *ScenarioStore) Preload(cfg *Config) error {
	entries, err := os.ReadDir(ss.dir)
	if err != nil {
		return fmt.Errorf("unable to read scenario directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, err := ss.Load(name); err != nil {
			logf(cfg, "SCENARIO: Skipping %s: %v", name, err)
			continue
		}
		loaded++
	}

	logf(cfg, "SCENARIO: Preloaded %d scenario(s) from %s", loaded, ss.dir)

	return nil
}

// ScenarioInfo is the /api/scenarios listing entry.
type ScenarioInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Loaded bool   `json:"loaded"`
}

// List enumerates scenario files on disk, annotated with their cached
// titles when already loaded.
func (ss *ScenarioStore) List() ([]ScenarioInfo, error) {
	entries, err := os.ReadDir(ss.dir)
	if err != nil {
		return nil, fmt.Errorf("unable to read scenario directory: %w", err)
	}

	ss.mu.RLock()
	defer ss.mu.RUnlock()

	infos := make([]ScenarioInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		info := ScenarioInfo{ID: key}
		if cached := ss.cache[key]; cached != nil {
			info.Title = cached.Title
			info.Loaded = true
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// parseScenario decodes and validates a scenario document. Every choice
// target must resolve to a question in the same file or be empty.
func parseScenario(id string, data []byte) (*Scenario, error) {
	var file scenarioFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, gameErr(kindScenarioLoad, fmt.Sprintf("scenario %q is not valid json", id))
	}

	if len(file.Questions) == 0 {
		return nil, gameErr(kindScenarioLoad, fmt.Sprintf("scenario %q has no questions", id))
	}

	start := file.Info.StartQuestion
	if start == "" {
		start = "scene1"
	}
	if _, ok := file.Questions[start]; !ok {
		return nil, gameErr(kindScenarioLoad, fmt.Sprintf("scenario %q start question %q not found", id, start))
	}

	for qid, q := range file.Questions {
		q.ID = qid
		for _, choice := range q.Choices {
			if choice.Next == "" {
				continue
			}
			if _, ok := file.Questions[choice.Next]; !ok {
				return nil, gameErr(kindScenarioLoad,
					fmt.Sprintf("scenario %q question %q references unknown question %q", id, qid, choice.Next))
			}
		}
	}

	return &Scenario{
		ID:        id,
		Title:     file.Info.Title,
		Start:     start,
		Questions: file.Questions,
	}, nil
}

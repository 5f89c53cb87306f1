package main

import (
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

var (
	exportFilenamePattern = regexp.MustCompile(`^results_[a-zA-Z0-9_\-]+\.(csv|json)$`)
	nonAlnumPattern       = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// ExportManager derives downloadable files from recorded session state.
// It never mutates the stores it reads. Generated files are registered
// for exactly one download and deleted after serving.
type ExportManager struct {
	dir string

	mu     sync.Mutex
	access map[string]string // filename -> session id
}

func newExportManager(dir string) (*ExportManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create export directory: %w", err)
	}

	return &ExportManager{
		dir:    dir,
		access: make(map[string]string),
	}, nil
}

// exportFilename builds results_<scenario>_<session>_<date>_<nonce>.<ext>
// with everything outside [a-zA-Z0-9] squashed to underscores.
func exportFilename(sess *Session, ext string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	scenario := nonAlnumPattern.ReplaceAllString(sess.ScenarioTitle, "_")
	if len(scenario) > 20 {
		scenario = scenario[:20]
	}
	session := nonAlnumPattern.ReplaceAllString(sess.ID, "_")
	date := time.Now().Format("2006-01-02")

	return fmt.Sprintf("results_%s_%s_%s_%s.%s", scenario, session, date, hex.EncodeToString(buf), ext)
}

// GenerateCSV writes one row per participant in join order: session
// metadata, profile fields, then one column per visited question holding
// that participant's answer (empty when it never answered).
func (em *ExportManager) GenerateCSV(sess *Session, participants []*Participant, responses map[string]map[string]string) (string, error) {
	filename := exportFilename(sess, "csv")

	f, err := os.Create(filepath.Join(em.dir, filename))
	if err != nil {
		return "", fmt.Errorf("unable to create export: %w", err)
	}
	defer f.Close()

	// UTF-8 BOM so spreadsheet tools pick up accented characters.
	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return "", fmt.Errorf("unable to write export: %w", err)
	}

	w := csv.NewWriter(f)

	header := append([]string{"Session", "Scenario", "Mode", "Name", "Age", "Gender", "School"}, sess.QuestionPath...)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("unable to write export: %w", err)
	}

	for _, p := range participants {
		row := []string{sess.ID, sess.ScenarioTitle, sess.Mode, p.Name, strconv.Itoa(p.Age), p.Gender, p.School}
		for _, questionID := range sess.QuestionPath {
			row = append(row, responses[p.Name][questionID])
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("unable to write export: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("unable to write export: %w", err)
	}

	em.register(filename, sess.ID)

	return filename, nil
}

// ReportAnswer is one step of a participant's journey, resolved against
// the scenario text.
type ReportAnswer struct {
	QuestionID   string `json:"question_id"`
	QuestionText string `json:"question_text"`
	Answer       string `json:"answer"`
	AnswerText   string `json:"answer_text,omitempty"`
}

// ReportParticipant aggregates one participant's answers in path order
// plus a per-theme count of the decisions it took.
type ReportParticipant struct {
	Name    string         `json:"name"`
	Age     int            `json:"age,omitempty"`
	Gender  string         `json:"gender,omitempty"`
	School  string         `json:"school,omitempty"`
	Answers []ReportAnswer `json:"answers"`
	Themes  map[string]int `json:"themes,omitempty"`
}

// Report is the structured view of a session run.
type Report struct {
	Session      string              `json:"session"`
	Scenario     string              `json:"scenario"`
	Mode         string              `json:"mode"`
	QuestionPath []string            `json:"question_path"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Participants []ReportParticipant `json:"participants"`
}

// GenerateReport writes the JSON report variant of an export.
func (em *ExportManager) GenerateReport(sess *Session, scenario *Scenario, participants []*Participant, responses map[string]map[string]string) (string, error) {
	report := Report{
		Session:      sess.ID,
		Scenario:     sess.ScenarioTitle,
		Mode:         sess.Mode,
		QuestionPath: sess.QuestionPath,
		GeneratedAt:  time.Now(),
	}

	for _, p := range participants {
		rp := ReportParticipant{
			Name:   p.Name,
			Age:    p.Age,
			Gender: p.Gender,
			School: p.School,
			Themes: make(map[string]int),
		}

		for _, questionID := range sess.QuestionPath {
			answer, ok := responses[p.Name][questionID]
			if !ok {
				continue
			}

			ra := ReportAnswer{QuestionID: questionID, Answer: answer}
			if q := scenario.Question(questionID); q != nil {
				ra.QuestionText = q.Prompt
				for _, choice := range q.Choices {
					if choice.Letter == answer {
						ra.AnswerText = choice.Text
						break
					}
				}
				if answer != "continue" {
					for _, theme := range q.Themes {
						rp.Themes[theme]++
					}
				}
			}
			rp.Answers = append(rp.Answers, ra)
		}

		if len(rp.Themes) == 0 {
			rp.Themes = nil
		}
		report.Participants = append(report.Participants, rp)
	}

	filename := exportFilename(sess, "json")

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("unable to encode report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(em.dir, filename), data, 0644); err != nil {
		return "", fmt.Errorf("unable to write report: %w", err)
	}

	em.register(filename, sess.ID)

	return filename, nil
}

func (em *ExportManager) register(filename, sessionID string) {
	em.mu.Lock()
	em.access[filename] = sessionID
	em.mu.Unlock()
}

// claim consumes the one-time download permission for filename.
func (em *ExportManager) claim(filename string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	if _, ok := em.access[filename]; !ok {
		return false
	}
	delete(em.access, filename)
	return true
}

// serveExports hands out a generated file exactly once and deletes it
// afterwards.
func serveExports(cfg *Config, em *ExportManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		filename := ps.ByName("filename")
		if !exportFilenamePattern.MatchString(filename) {
			http.Error(w, "invalid filename", http.StatusBadRequest)
			return
		}

		if !em.claim(filename) {
			http.Error(w, "no download permission for this file", http.StatusForbidden)
			return
		}

		path := filepath.Join(em.dir, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}

		contentType := "text/csv; charset=utf-8"
		if strings.HasSuffix(filename, ".json") {
			contentType = "application/json; charset=utf-8"
		}

		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.Header().Set("Content-Type", contentType)
		securityHeaders(cfg, w)

		written, err := w.Write(data)

		if removeErr := os.Remove(path); removeErr != nil {
			logf(cfg, "EXPORT: Unable to remove %s: %v", filename, removeErr)
		}

		if err != nil {
			return
		}

		logf(cfg, "EXPORT: Served %s (%s) to %s in %s",
			filename,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

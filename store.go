package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
)

var (
	ErrDuplicateSession = errors.New("session name already in use")
	ErrNameTaken        = errors.New("display name already taken")
)

// Session is one running lobby. The moderator connection id doubles as
// its authorization token for start/advance/end.
type Session struct {
	ID              string
	ModeratorID     string
	ScenarioID      string
	ScenarioTitle   string
	Mode            string // "group" or "solo"
	Started         bool
	CurrentQuestion string
	QuestionPath    []string
	CreatedAt       time.Time
}

// SessionUpdate is a field-level patch; nil fields are left untouched.
type SessionUpdate struct {
	Started         *bool
	CurrentQuestion *string
	QuestionPath    *[]string
}

// Participant belongs to exactly one session. Disconnects flip Status
// rather than deleting the row, so recorded answers survive and the
// secret can bring the player back.
type Participant struct {
	SessionID    string
	Name         string
	Age          int
	Gender       string
	School       string
	Secret       string
	ConnectionID string
	Status       string
}

// TallyEntry is one answer bucket for a question, voters in the order
// they first answered.
type TallyEntry struct {
	Answer string
	Count  int
	Voters []string
}

// Store is the durable state behind the protocol handler: sessions,
// participants, the append/overwrite response ledger, and feedback.
// Deleting a session cascades to everything it owns.
type Store interface {
	CreateSession(s *Session) error
	Session(id string) (*Session, error)
	SessionByModerator(connectionID string) (*Session, error)
	UpdateSession(id string, upd SessionUpdate) error
	DeleteSession(id string) error
	SweepInactive(maxAge time.Duration) ([]string, error)

	AddParticipant(p *Participant) error
	Participant(sessionID, name string) (*Participant, error)
	ParticipantByConnection(connectionID string) (*Participant, error)
	ParticipantBySecret(secret string) (*Participant, error)
	Participants(sessionID string) ([]*Participant, error)
	ConnectedCount(sessionID string) (int, error)
	UpdateParticipantStatus(connectionID, status string) error
	ReconnectParticipant(secret, connectionID string) error
	RemoveParticipant(sessionID, name string) error

	RecordAnswer(sessionID, name, questionID, answer string) error
	Tally(sessionID, questionID string) ([]TallyEntry, error)
	ResponsesFor(sessionID, name string) (map[string]string, error)

	RecordFeedback(sessionID, name, text string) error

	Close() error
}

type sqliteStore struct {
	db *sql.DB
}

// newSQLiteStore opens (or creates) the database and bootstraps the
// schema.
func newSQLiteStore(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("unable to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &sqliteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		moderator_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		scenario_title TEXT NOT NULL,
		mode TEXT NOT NULL,
		started INTEGER NOT NULL DEFAULT 0,
		current_question TEXT NOT NULL DEFAULT '',
		question_path TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		player_name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		gender TEXT NOT NULL DEFAULT '',
		school TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL UNIQUE,
		connection_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		UNIQUE(session_id, player_name)
	);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		player_name TEXT NOT NULL,
		question_id TEXT NOT NULL,
		answer TEXT NOT NULL,
		UNIQUE(session_id, player_name, question_id)
	);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		player_name TEXT NOT NULL,
		feedback TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
	CREATE INDEX IF NOT EXISTS idx_participants_connection ON participants(connection_id);
	CREATE INDEX IF NOT EXISTS idx_responses_question ON responses(session_id, question_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateSession(sess *Session) error {
	existing, err := s.Session(sess.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicateSession
	}

	path, err := json.Marshal(sess.QuestionPath)
	if err != nil {
		return fmt.Errorf("unable to encode question path: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, moderator_id, scenario_id, scenario_title, mode, started, current_question, question_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ModeratorID, sess.ScenarioID, sess.ScenarioTitle, sess.Mode,
		boolToInt(sess.Started), sess.CurrentQuestion, string(path), sess.CreatedAt.Unix(),
	)
	if err != nil {
		// Two concurrent creates can both pass the existence check; the
		// loser hits the primary key instead.
		if isConstraintErr(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("unable to insert session: %w", err)
	}
	return nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (s *sqliteStore) Session(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, moderator_id, scenario_id, scenario_title, mode, started, current_question, question_path, created_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *sqliteStore) SessionByModerator(connectionID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, moderator_id, scenario_id, scenario_title, mode, started, current_question, question_path, created_at
		 FROM sessions WHERE moderator_id = ?`, connectionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess      Session
		started   int
		path      string
		createdAt int64
	)

	err := row.Scan(&sess.ID, &sess.ModeratorID, &sess.ScenarioID, &sess.ScenarioTitle,
		&sess.Mode, &started, &sess.CurrentQuestion, &path, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to scan session: %w", err)
	}

	sess.Started = started != 0
	sess.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(path), &sess.QuestionPath); err != nil {
		return nil, fmt.Errorf("unable to decode question path: %w", err)
	}

	return &sess, nil
}

func (s *sqliteStore) UpdateSession(id string, upd SessionUpdate) error {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if upd.Started != nil {
		clauses = append(clauses, "started = ?")
		args = append(args, boolToInt(*upd.Started))
	}
	if upd.CurrentQuestion != nil {
		clauses = append(clauses, "current_question = ?")
		args = append(args, *upd.CurrentQuestion)
	}
	if upd.QuestionPath != nil {
		path, err := json.Marshal(*upd.QuestionPath)
		if err != nil {
			return fmt.Errorf("unable to encode question path: %w", err)
		}
		clauses = append(clauses, "question_path = ?")
		args = append(args, string(path))
	}

	if len(clauses) == 0 {
		return nil
	}

	query := "UPDATE sessions SET "
	for i, clause := range clauses {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("unable to update session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and everything it owns in a single
// transaction.
func (s *sqliteStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("unable to begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM feedback WHERE session_id = ?",
		"DELETE FROM responses WHERE session_id = ?",
		"DELETE FROM participants WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("unable to delete session: %w", err)
		}
	}

	return tx.Commit()
}

// SweepInactive deletes every session older than maxAge, connected or
// not, and returns the ids it removed.
func (s *sqliteStore) SweepInactive(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	rows, err := s.db.Query("SELECT id FROM sessions WHERE created_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("unable to query stale sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unable to scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list stale sessions: %w", err)
	}

	for _, id := range ids {
		if err := s.DeleteSession(id); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

func (s *sqliteStore) AddParticipant(p *Participant) error {
	existing, err := s.Participant(p.SessionID, p.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrNameTaken
	}

	_, err = s.db.Exec(
		`INSERT INTO participants (session_id, player_name, age, gender, school, secret, connection_id, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Name, p.Age, p.Gender, p.School, p.Secret, p.ConnectionID, p.Status,
	)
	if err != nil {
		// A unique collision here is the player name in practice;
		// secrets are freshly generated uuids.
		if isConstraintErr(err) {
			return ErrNameTaken
		}
		return fmt.Errorf("unable to insert participant: %w", err)
	}
	return nil
}

const participantColumns = "session_id, player_name, age, gender, school, secret, connection_id, status"

func (s *sqliteStore) Participant(sessionID, name string) (*Participant, error) {
	row := s.db.QueryRow(
		"SELECT "+participantColumns+" FROM participants WHERE session_id = ? AND player_name = ?",
		sessionID, name)
	return scanParticipant(row)
}

func (s *sqliteStore) ParticipantByConnection(connectionID string) (*Participant, error) {
	if connectionID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		"SELECT "+participantColumns+" FROM participants WHERE connection_id = ?",
		connectionID)
	return scanParticipant(row)
}

func (s *sqliteStore) ParticipantBySecret(secret string) (*Participant, error) {
	row := s.db.QueryRow(
		"SELECT "+participantColumns+" FROM participants WHERE secret = ?",
		secret)
	return scanParticipant(row)
}

func scanParticipant(row *sql.Row) (*Participant, error) {
	var p Participant

	err := row.Scan(&p.SessionID, &p.Name, &p.Age, &p.Gender, &p.School,
		&p.Secret, &p.ConnectionID, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to scan participant: %w", err)
	}

	return &p, nil
}

// Participants lists a session's players in join order.
func (s *sqliteStore) Participants(sessionID string) ([]*Participant, error) {
	rows, err := s.db.Query(
		"SELECT "+participantColumns+" FROM participants WHERE session_id = ? ORDER BY id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("unable to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SessionID, &p.Name, &p.Age, &p.Gender, &p.School,
			&p.Secret, &p.ConnectionID, &p.Status); err != nil {
			return nil, fmt.Errorf("unable to scan participant: %w", err)
		}
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}

func (s *sqliteStore) ConnectedCount(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM participants WHERE session_id = ? AND status = ?",
		sessionID, statusConnected).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unable to count participants: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) UpdateParticipantStatus(connectionID, status string) error {
	_, err := s.db.Exec(
		"UPDATE participants SET status = ? WHERE connection_id = ?",
		status, connectionID)
	if err != nil {
		return fmt.Errorf("unable to update participant status: %w", err)
	}
	return nil
}

// ReconnectParticipant rebinds a disconnected participant to a fresh
// connection, keyed by its secret.
func (s *sqliteStore) ReconnectParticipant(secret, connectionID string) error {
	_, err := s.db.Exec(
		"UPDATE participants SET status = ?, connection_id = ? WHERE secret = ?",
		statusConnected, connectionID, secret)
	if err != nil {
		return fmt.Errorf("unable to reconnect participant: %w", err)
	}
	return nil
}

// RemoveParticipant hard-deletes a player and its responses. Only used
// for non-reconnectable leave paths; disconnects go through
// UpdateParticipantStatus instead.
func (s *sqliteStore) RemoveParticipant(sessionID, name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("unable to begin removal: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM responses WHERE session_id = ? AND player_name = ?", sessionID, name); err != nil {
		return fmt.Errorf("unable to remove responses: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM participants WHERE session_id = ? AND player_name = ?", sessionID, name); err != nil {
		return fmt.Errorf("unable to remove participant: %w", err)
	}

	return tx.Commit()
}

// RecordAnswer appends to the ledger; resubmitting the same question
// overwrites the previous answer but keeps the original ledger slot, so
// voter order stays stable.
func (s *sqliteStore) RecordAnswer(sessionID, name, questionID, answer string) error {
	_, err := s.db.Exec(
		`INSERT INTO responses (session_id, player_name, question_id, answer)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, player_name, question_id) DO UPDATE SET answer = excluded.answer`,
		sessionID, name, questionID, answer)
	if err != nil {
		return fmt.Errorf("unable to record answer: %w", err)
	}
	return nil
}

// Tally aggregates the latest answer per player for one question.
// Buckets are keyed by answer value; voters within a bucket are in
// first-answer order.
func (s *sqliteStore) Tally(sessionID, questionID string) ([]TallyEntry, error) {
	rows, err := s.db.Query(
		"SELECT player_name, answer FROM responses WHERE session_id = ? AND question_id = ? ORDER BY id",
		sessionID, questionID)
	if err != nil {
		return nil, fmt.Errorf("unable to tally answers: %w", err)
	}
	defer rows.Close()

	byAnswer := make(map[string]*TallyEntry)
	var order []string

	for rows.Next() {
		var name, answer string
		if err := rows.Scan(&name, &answer); err != nil {
			return nil, fmt.Errorf("unable to scan answer: %w", err)
		}
		entry, ok := byAnswer[answer]
		if !ok {
			entry = &TallyEntry{Answer: answer}
			byAnswer[answer] = entry
			order = append(order, answer)
		}
		entry.Count++
		entry.Voters = append(entry.Voters, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to tally answers: %w", err)
	}

	entries := make([]TallyEntry, 0, len(order))
	for _, answer := range order {
		entries = append(entries, *byAnswer[answer])
	}
	return entries, nil
}

func (s *sqliteStore) ResponsesFor(sessionID, name string) (map[string]string, error) {
	rows, err := s.db.Query(
		"SELECT question_id, answer FROM responses WHERE session_id = ? AND player_name = ?",
		sessionID, name)
	if err != nil {
		return nil, fmt.Errorf("unable to read responses: %w", err)
	}
	defer rows.Close()

	responses := make(map[string]string)
	for rows.Next() {
		var questionID, answer string
		if err := rows.Scan(&questionID, &answer); err != nil {
			return nil, fmt.Errorf("unable to scan response: %w", err)
		}
		responses[questionID] = answer
	}

	return responses, rows.Err()
}

func (s *sqliteStore) RecordFeedback(sessionID, name, text string) error {
	_, err := s.db.Exec(
		"INSERT INTO feedback (session_id, player_name, feedback, created_at) VALUES (?, ?, ?, ?)",
		sessionID, name, text, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("unable to record feedback: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Storyvote session protocol
//
// A moderator creates a named session bound to a scenario graph; players
// join from a link or QR code, submit a short profile, and vote on the
// lettered branches of the current question. The moderator advances the
// group along the graph; every answer lands in a durable ledger that the
// export generator reads back out.
//
// Protocol rules:
// - One websocket per connection; connections are grouped into a
//   per-session room for broadcasts.
// - Every transition validates against current state before touching the
//   store, and broadcasts only after the store write succeeded.
// - Failures go to the offending connection only, as error{kind, message}.
// - Transitions within one session are serialized by the room mutex.
// - Continuation nodes (a single click-through choice) advance on their
//   own after a short delay in group mode; the solo player's click
//   advances immediately.
// - A disconnecting participant is marked disconnected, never deleted,
//   and can return with its reconnect secret. A disconnecting moderator
//   closes the session for everyone.

package main

import (
	"context"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	modeGroup = "group"
	modeSolo  = "solo"

	soloPlayerName = "Player"
)

var (
	sessionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 \-_éèêëàâäôöûüçÉÈÊËÀÂÄÔÖÛÜÇ]{1,30}$`)
	playerNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9 \-_éèêëàâäôöûüçÉÈÊËÀÂÄÔÖÛÜÇ]{1,20}$`)
)

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string

	// bound as the connection progresses through the protocol; only
	// touched from this connection's read goroutine
	sessionID   string
	displayName string
}

type room struct {
	mu      sync.Mutex
	id      string
	clients map[*Client]bool
	ended   bool

	// pending auto-continuation, armed per broadcast question
	timer *time.Timer
}

func newRoom(sessionID string) *room {
	return &room{
		id:      sessionID,
		clients: make(map[*Client]bool),
	}
}

// sendLocked delivers to one client, evicting it if its buffer is stuck.
func (rm *room) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(rm.clients, c)
		close(c.send)
	}
}

func (rm *room) broadcastLocked(msg any) {
	for client := range rm.clients {
		rm.sendLocked(client, msg)
	}
}

func (rm *room) clientByIDLocked(id string) *Client {
	for client := range rm.clients {
		if client.id == id {
			return client
		}
	}
	return nil
}

func (rm *room) stopTimerLocked() {
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
}

// Game is the protocol handler: it owns the rooms and mediates every
// transition between connections and the durable stores.
type Game struct {
	cfg       *Config
	store     Store
	scenarios *ScenarioStore
	exports   *ExportManager

	mu    sync.Mutex
	rooms map[string]*room
}

func newGame(cfg *Config, store Store, scenarios *ScenarioStore, exports *ExportManager) *Game {
	return &Game{
		cfg:       cfg,
		store:     store,
		scenarios: scenarios,
		exports:   exports,
		rooms:     make(map[string]*room),
	}
}

func (g *Game) room(sessionID string, create bool) *room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rm, ok := g.rooms[sessionID]; ok {
		return rm
	}
	if !create {
		return nil
	}

	rm := newRoom(sessionID)
	g.rooms[sessionID] = rm
	return rm
}

func (g *Game) dropRoom(sessionID string) {
	g.mu.Lock()
	delete(g.rooms, sessionID)
	g.mu.Unlock()
}

// handleMessage dispatches one inbound frame. Any returned error is sent
// back to the sender only.
func (g *Game) handleMessage(c *Client, msg ClientMessage) {
	var err error

	switch msg.Type {
	case "create-session":
		err = g.createSession(c, msg)
	case "join-session":
		err = g.joinSession(c, msg)
	case "submit-profile":
		err = g.submitProfile(c, msg)
	case "start-session":
		err = g.startSession(c)
	case "advance":
		err = g.advance(c, msg)
	case "submit-answer":
		err = g.submitAnswer(c, msg)
	case "end-session":
		err = g.endSession(c)
	case "request-export":
		err = g.requestExport(c, msg)
	case "reconnect":
		err = g.reconnect(c, msg)
	case "submit-feedback":
		err = g.submitFeedback(c, msg)
	default:
		err = gameErr(kindBadMessage, "unknown message type")
	}

	if err != nil {
		logf(g.cfg, "GAMES: %s from %s failed: %v", msg.Type, c.id, err)
		trySend(c, errorFrame(err))
	}
}

// trySend is for clients not (yet) in any room.
func trySend(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (g *Game) createSession(c *Client, msg ClientMessage) error {
	name := strings.TrimSpace(msg.Name)
	if !sessionNamePattern.MatchString(name) {
		return gameErr(kindInvalidName, "session names are 1-30 letters, digits, spaces, hyphens or underscores")
	}

	mode := msg.Mode
	if mode == "" {
		mode = modeGroup
	}
	if mode != modeGroup && mode != modeSolo {
		return gameErr(kindBadMessage, "mode must be group or solo")
	}

	if msg.ScenarioID == "" {
		return gameErr(kindBadMessage, "scenario_id is required")
	}
	scenario, err := g.scenarios.Load(msg.ScenarioID)
	if err != nil {
		return err
	}

	sess := &Session{
		ID:            name,
		ModeratorID:   c.id,
		ScenarioID:    scenario.ID,
		ScenarioTitle: scenario.Title,
		Mode:          mode,
		QuestionPath:  []string{},
		CreatedAt:     time.Now(),
	}
	if err := g.store.CreateSession(sess); err != nil {
		if err == ErrDuplicateSession {
			return gameErr(kindDuplicateSession, "that session name is already in use")
		}
		return err
	}

	rm := g.room(name, true)
	rm.mu.Lock()
	rm.clients[c] = true
	rm.mu.Unlock()
	c.sessionID = name

	if mode == modeSolo {
		participant := &Participant{
			SessionID:    name,
			Name:         soloPlayerName,
			School:       "solo",
			Secret:       uuid.NewString(),
			ConnectionID: c.id,
			Status:       statusConnected,
		}
		if err := g.store.AddParticipant(participant); err != nil {
			return err
		}
		c.displayName = soloPlayerName
	}

	logf(g.cfg, "GAMES: Session %q created (%s, scenario %s)", name, mode, scenario.ID)

	trySend(c, SessionCreatedMessage{
		Type:          "session-created",
		Name:          name,
		ScenarioID:    scenario.ID,
		ScenarioTitle: scenario.Title,
		Mode:          mode,
	})

	return nil
}

func (g *Game) joinSession(c *Client, msg ClientMessage) error {
	name := strings.TrimSpace(msg.Name)

	sess, err := g.store.Session(name)
	if err != nil {
		return err
	}
	if sess == nil {
		return gameErr(kindNotFound, "no such session")
	}
	if sess.Mode == modeSolo {
		return gameErr(kindSoloMode, "that session is played solo")
	}

	rm := g.room(sess.ID, true)
	rm.mu.Lock()
	rm.clients[c] = true
	rm.mu.Unlock()
	c.sessionID = sess.ID

	trySend(c, ProfileRequiredMessage{
		Type:          "profile-required",
		Session:       sess.ID,
		ScenarioTitle: sess.ScenarioTitle,
	})

	return nil
}

func (g *Game) submitProfile(c *Client, msg ClientMessage) error {
	if c.sessionID == "" {
		return gameErr(kindNotAuthorized, "join a session first")
	}
	if c.displayName != "" {
		return gameErr(kindBadMessage, "profile already submitted")
	}

	name := strings.TrimSpace(msg.DisplayName)
	if !playerNamePattern.MatchString(name) {
		return gameErr(kindInvalidName, "player names are 1-20 letters, digits, spaces, hyphens or underscores")
	}

	sess, err := g.store.Session(c.sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return gameErr(kindNotFound, "session is gone")
	}

	rm := g.room(sess.ID, true)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	participant := &Participant{
		SessionID:    sess.ID,
		Name:         name,
		Age:          msg.Age,
		Gender:       strings.TrimSpace(msg.Gender),
		School:       strings.TrimSpace(msg.School),
		Secret:       uuid.NewString(),
		ConnectionID: c.id,
		Status:       statusConnected,
	}
	if err := g.store.AddParticipant(participant); err != nil {
		if err == ErrNameTaken {
			return gameErr(kindNameTaken, "that name is already taken in this session")
		}
		return err
	}
	c.displayName = name

	logf(g.cfg, "GAMES: Player %q joined %q", name, sess.ID)

	rm.sendLocked(c, ProfileAcceptedMessage{
		Type:        "profile-accepted",
		DisplayName: name,
		Secret:      participant.Secret,
	})

	g.notifyRosterLocked(rm, sess, name, false, false)

	// Late joiner catches up with the question in flight.
	if sess.Started && sess.CurrentQuestion != "" {
		scenario, err := g.scenarios.Load(sess.ScenarioID)
		if err != nil {
			return err
		}
		if q := scenario.Question(sess.CurrentQuestion); q != nil {
			rm.sendLocked(c, questionFrame(q, "", false))
		}
	}

	return nil
}

func (g *Game) startSession(c *Client) error {
	sess, rm, err := g.sessionFor(c)
	if err != nil {
		return err
	}
	if sess.ModeratorID != c.id {
		return gameErr(kindNotAuthorized, "only the moderator starts the session")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	sess, err = g.sessionLocked(sess.ID)
	if err != nil {
		return err
	}
	if sess.Started {
		return gameErr(kindBadMessage, "session already started")
	}

	if sess.Mode != modeSolo {
		count, err := g.store.ConnectedCount(sess.ID)
		if err != nil {
			return err
		}
		if count < 1 {
			return gameErr(kindNotEnoughPlayers, "at least one player is required")
		}
	}

	scenario, err := g.scenarios.Load(sess.ScenarioID)
	if err != nil {
		return err
	}
	start := scenario.Question(scenario.Start)
	if start == nil {
		return gameErr(kindStartNodeMissing, "scenario start question not found")
	}

	started := true
	path := []string{start.ID}
	upd := SessionUpdate{Started: &started, CurrentQuestion: &start.ID, QuestionPath: &path}
	if err := g.store.UpdateSession(sess.ID, upd); err != nil {
		return err
	}

	logf(g.cfg, "GAMES: Session %q started at %q", sess.ID, start.ID)

	rm.broadcastLocked(SessionStartedMessage{Type: "session-started"})
	rm.broadcastLocked(questionFrame(start, "", false))
	g.armContinuationLocked(rm, sess, start)

	return nil
}

func (g *Game) advance(c *Client, msg ClientMessage) error {
	sess, rm, err := g.sessionFor(c)
	if err != nil {
		return err
	}
	if !g.mayDrive(sess, c) {
		return gameErr(kindNotAuthorized, "only the moderator advances the story")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// The continuation timer may have moved the session between the
	// pre-lock read and here; validate and extend the path only against
	// state observed under the lock.
	sess, err = g.sessionLocked(sess.ID)
	if err != nil {
		return err
	}
	if !sess.Started {
		return gameErr(kindBadMessage, "session has not started")
	}

	scenario, err := g.scenarios.Load(sess.ScenarioID)
	if err != nil {
		return err
	}

	return g.advanceLocked(rm, sess, scenario, msg.TargetID, false)
}

// advanceLocked moves the session to target and broadcasts the node.
// Callers hold rm.mu.
func (g *Game) advanceLocked(rm *room, sess *Session, scenario *Scenario, targetID string, auto bool) error {
	next := scenario.Question(targetID)
	if next == nil {
		return gameErr(kindInvalidTarget, "target question not found")
	}

	rm.stopTimerLocked()

	previous := sess.CurrentQuestion
	path := append(append([]string{}, sess.QuestionPath...), next.ID)
	upd := SessionUpdate{CurrentQuestion: &next.ID, QuestionPath: &path}
	if err := g.store.UpdateSession(sess.ID, upd); err != nil {
		return err
	}
	sess.CurrentQuestion = next.ID
	sess.QuestionPath = path

	rm.broadcastLocked(questionFrame(next, previous, auto))
	g.armContinuationLocked(rm, sess, next)

	return nil
}

// armContinuationLocked schedules the automatic advance out of a group
// continuation node. The callback re-checks that the session is still
// parked on the same question before firing.
func (g *Game) armContinuationLocked(rm *room, sess *Session, q *Question) {
	if sess.Mode != modeGroup || !q.IsContinuation() {
		return
	}
	target := q.ContinueTarget()
	if target == "" {
		return
	}

	from := q.ID
	rm.timer = time.AfterFunc(g.cfg.continueDelay, func() {
		g.autoContinue(sess.ID, from, target)
	})
}

func (g *Game) autoContinue(sessionID, fromID, targetID string) {
	rm := g.room(sessionID, false)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.ended {
		return
	}

	sess, err := g.store.Session(sessionID)
	if err != nil || sess == nil || sess.CurrentQuestion != fromID {
		return
	}

	// Everyone implicitly continues; the ledger keeps a row for the
	// skipped node so exports stay rectangular.
	participants, err := g.store.Participants(sessionID)
	if err != nil {
		logf(g.cfg, "GAMES: Auto-continue for %q aborted: %v", sessionID, err)
		return
	}
	for _, p := range participants {
		if err := g.store.RecordAnswer(sessionID, p.Name, fromID, "continue"); err != nil {
			logf(g.cfg, "GAMES: Auto-continue for %q aborted: %v", sessionID, err)
			return
		}
	}

	scenario, err := g.scenarios.Load(sess.ScenarioID)
	if err != nil {
		logf(g.cfg, "GAMES: Auto-continue for %q aborted: %v", sessionID, err)
		return
	}

	if err := g.advanceLocked(rm, sess, scenario, targetID, true); err != nil {
		logf(g.cfg, "GAMES: Auto-continue for %q aborted: %v", sessionID, err)
	}
}

func (g *Game) submitAnswer(c *Client, msg ClientMessage) error {
	sess, rm, err := g.sessionFor(c)
	if err != nil {
		return err
	}

	playerName := c.displayName
	if sess.Mode == modeSolo {
		playerName = soloPlayerName
	}
	if playerName == "" {
		return gameErr(kindNotAuthorized, "submit a profile first")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	sess, err = g.sessionLocked(sess.ID)
	if err != nil {
		return err
	}
	if !sess.Started || sess.CurrentQuestion == "" {
		return gameErr(kindInvalidAnswer, "no question is active")
	}
	if msg.QuestionID != sess.CurrentQuestion {
		return gameErr(kindInvalidAnswer, "not the current question")
	}

	participant, err := g.store.Participant(sess.ID, playerName)
	if err != nil {
		return err
	}
	if participant == nil {
		return gameErr(kindNotAuthorized, "unknown participant")
	}

	scenario, err := g.scenarios.Load(sess.ScenarioID)
	if err != nil {
		return err
	}
	q := scenario.Question(sess.CurrentQuestion)
	if q == nil {
		return gameErr(kindInvalidAnswer, "current question is gone")
	}
	if msg.Answer != "continue" && !q.ValidLetter(msg.Answer) {
		return gameErr(kindInvalidAnswer, "not a valid choice for this question")
	}

	if err := g.store.RecordAnswer(sess.ID, playerName, q.ID, msg.Answer); err != nil {
		return err
	}

	rm.sendLocked(c, AnswerRecordedMessage{Type: "answer-recorded", QuestionID: q.ID})

	if msg.Answer == "continue" {
		if sess.Mode == modeSolo {
			// The solo player's click is the continuation trigger.
			if target := q.ContinueTarget(); q.IsContinuation() && target != "" {
				return g.advanceLocked(rm, sess, scenario, target, true)
			}
			return nil
		}
		if moderator := rm.clientByIDLocked(sess.ModeratorID); moderator != nil {
			rm.sendLocked(moderator, ParticipantContinuedMessage{
				Type:        "participant-continued",
				DisplayName: playerName,
				QuestionID:  q.ID,
			})
		}
		return nil
	}

	entries, err := g.store.Tally(sess.ID, q.ID)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(entries))
	voters := make(map[string][]string, len(entries))
	for _, entry := range entries {
		if entry.Answer == "continue" {
			continue
		}
		counts[entry.Answer] = entry.Count
		voters[entry.Answer] = entry.Voters
	}

	rm.broadcastLocked(VoteTallyMessage{
		Type:       "vote-tally",
		QuestionID: q.ID,
		Counts:     counts,
		Voters:     voters,
		LastVoter:  playerName,
	})

	return nil
}

func (g *Game) endSession(c *Client) error {
	sess, rm, err := g.sessionFor(c)
	if err != nil {
		return err
	}
	if !g.mayDrive(sess, c) {
		return gameErr(kindNotAuthorized, "only the moderator ends the session")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.stopTimerLocked()
	rm.ended = true
	rm.broadcastLocked(SessionEndedMessage{Type: "session-ended"})

	logf(g.cfg, "GAMES: Session %q ended", sess.ID)

	// Rows stay around until the moderator disconnects or the sweep
	// runs, so a post-game export still has data to read.
	return nil
}

func (g *Game) requestExport(c *Client, msg ClientMessage) error {
	sess, rm, err := g.sessionFor(c)
	if err != nil {
		return err
	}
	if !g.mayDrive(sess, c) {
		return gameErr(kindNotAuthorized, "only the moderator exports results")
	}

	scenario, err := g.scenarios.Load(sess.ScenarioID)
	if err != nil {
		return err
	}
	participants, err := g.store.Participants(sess.ID)
	if err != nil {
		return err
	}

	responses := make(map[string]map[string]string, len(participants))
	for _, p := range participants {
		r, err := g.store.ResponsesFor(sess.ID, p.Name)
		if err != nil {
			return err
		}
		responses[p.Name] = r
	}

	var filename string
	switch msg.Format {
	case "", "csv":
		filename, err = g.exports.GenerateCSV(sess, participants, responses)
	case "report":
		filename, err = g.exports.GenerateReport(sess, scenario, participants, responses)
	default:
		return gameErr(kindBadMessage, "format must be csv or report")
	}
	if err != nil {
		return err
	}

	logf(g.cfg, "EXPORT: Generated %s for session %q", filename, sess.ID)

	rm.mu.Lock()
	rm.sendLocked(c, ExportReadyMessage{Type: "export-ready", Filename: filename})
	rm.mu.Unlock()

	return nil
}

func (g *Game) reconnect(c *Client, msg ClientMessage) error {
	if msg.Secret == "" {
		return gameErr(kindBadMessage, "secret is required")
	}

	participant, err := g.store.ParticipantBySecret(msg.Secret)
	if err != nil {
		return err
	}
	if participant == nil {
		return gameErr(kindNotFound, "unknown reconnect secret")
	}

	sess, err := g.store.Session(participant.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return gameErr(kindNotFound, "session is gone")
	}

	if err := g.store.ReconnectParticipant(msg.Secret, c.id); err != nil {
		return err
	}

	rm := g.room(sess.ID, true)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.clients[c] = true
	c.sessionID = sess.ID
	c.displayName = participant.Name

	responses, err := g.store.ResponsesFor(sess.ID, participant.Name)
	if err != nil {
		return err
	}

	logf(g.cfg, "GAMES: Player %q reconnected to %q", participant.Name, sess.ID)

	rm.sendLocked(c, ReconnectedMessage{
		Type:          "reconnected",
		Session:       sess.ID,
		DisplayName:   participant.Name,
		ScenarioTitle: sess.ScenarioTitle,
		Responses:     responses,
	})

	if sess.Started && sess.CurrentQuestion != "" {
		scenario, err := g.scenarios.Load(sess.ScenarioID)
		if err != nil {
			return err
		}
		if q := scenario.Question(sess.CurrentQuestion); q != nil {
			rm.sendLocked(c, questionFrame(q, "", false))
		}
	}

	g.notifyRosterLocked(rm, sess, participant.Name, true, false)

	return nil
}

func (g *Game) submitFeedback(c *Client, msg ClientMessage) error {
	sess, _, err := g.sessionFor(c)
	if err != nil {
		return err
	}

	playerName := c.displayName
	if sess.Mode == modeSolo {
		playerName = soloPlayerName
	}
	if playerName == "" {
		return gameErr(kindNotAuthorized, "submit a profile first")
	}

	text := strings.TrimSpace(msg.Feedback)
	if text == "" {
		return gameErr(kindBadMessage, "feedback is empty")
	}

	return g.store.RecordFeedback(sess.ID, playerName, text)
}

// disconnect runs when a connection's read loop exits. A moderator
// leaving tears the whole session down; a participant is only marked
// disconnected so its secret can bring it back.
func (g *Game) disconnect(c *Client) {
	if c.sessionID != "" {
		if rm := g.room(c.sessionID, false); rm != nil {
			rm.mu.Lock()
			if rm.clients[c] {
				delete(rm.clients, c)
				close(c.send)
			}
			rm.mu.Unlock()
		}
	} else {
		close(c.send)
	}

	sess, err := g.store.SessionByModerator(c.id)
	if err != nil {
		logf(g.cfg, "GAMES: Disconnect lookup failed: %v", err)
		return
	}
	if sess != nil {
		g.closeSession(sess.ID)
		logf(g.cfg, "GAMES: Moderator left, session %q closed", sess.ID)
		return
	}

	participant, err := g.store.ParticipantByConnection(c.id)
	if err != nil || participant == nil {
		return
	}

	if err := g.store.UpdateParticipantStatus(c.id, statusDisconnected); err != nil {
		logf(g.cfg, "GAMES: Unable to mark %q disconnected: %v", participant.Name, err)
		return
	}

	if sess, err := g.store.Session(participant.SessionID); err == nil && sess != nil {
		if rm := g.room(sess.ID, false); rm != nil {
			rm.mu.Lock()
			g.notifyRosterLocked(rm, sess, participant.Name, false, true)
			rm.mu.Unlock()
		}
	}
}

// closeSession broadcasts the terminal lobby-closed notice, deletes the
// session cascade, and dismantles the room.
func (g *Game) closeSession(sessionID string) {
	if rm := g.room(sessionID, false); rm != nil {
		rm.mu.Lock()
		rm.stopTimerLocked()
		rm.ended = true
		rm.broadcastLocked(LobbyClosedMessage{Type: "lobby-closed"})
		for client := range rm.clients {
			delete(rm.clients, client)
			close(client.send)
		}
		rm.mu.Unlock()
		g.dropRoom(sessionID)
	}

	if err := g.store.DeleteSession(sessionID); err != nil {
		logf(g.cfg, "GAMES: Unable to delete session %q: %v", sessionID, err)
	}
}

// sweepLoop reaps sessions past their age limit, whether or not anyone
// is still connected.
func (g *Game) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := g.store.SweepInactive(g.cfg.sessionMaxAge)
			if err != nil {
				logf(g.cfg, "SWEEP: %v", err)
				continue
			}
			for _, id := range ids {
				if rm := g.room(id, false); rm != nil {
					rm.mu.Lock()
					rm.stopTimerLocked()
					rm.ended = true
					rm.broadcastLocked(LobbyClosedMessage{Type: "lobby-closed"})
					for client := range rm.clients {
						delete(rm.clients, client)
						close(client.send)
					}
					rm.mu.Unlock()
					g.dropRoom(id)
				}
				logf(g.cfg, "SWEEP: Removed stale session %q", id)
			}
		}
	}
}

// sessionFor resolves the caller's bound session and room.
func (g *Game) sessionFor(c *Client) (*Session, *room, error) {
	if c.sessionID == "" {
		return nil, nil, gameErr(kindNotAuthorized, "not in a session")
	}

	sess, err := g.store.Session(c.sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, gameErr(kindNotFound, "session is gone")
	}

	return sess, g.room(sess.ID, true), nil
}

// sessionLocked re-reads the session while its room mutex is held, so
// the caller validates and mutates against state no concurrent
// transition can move. Callers hold rm.mu.
func (g *Game) sessionLocked(id string) (*Session, error) {
	sess, err := g.store.Session(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, gameErr(kindNotFound, "session is gone")
	}
	return sess, nil
}

// mayDrive reports whether c can start/advance/end/export: the moderator
// in group mode, or the sole participant's connection in solo mode.
func (g *Game) mayDrive(sess *Session, c *Client) bool {
	if sess.ModeratorID == c.id {
		return true
	}
	return sess.Mode == modeSolo && c.sessionID == sess.ID
}

func (g *Game) notifyRosterLocked(rm *room, sess *Session, name string, reconnected, left bool) {
	count, err := g.store.ConnectedCount(sess.ID)
	if err != nil {
		logf(g.cfg, "GAMES: Unable to count roster for %q: %v", sess.ID, err)
		return
	}

	moderator := rm.clientByIDLocked(sess.ModeratorID)
	if moderator == nil {
		return
	}

	rm.sendLocked(moderator, RosterChangedMessage{
		Type:        "roster-changed",
		DisplayName: name,
		Count:       count,
		Reconnected: reconnected,
		Left:        left,
	})
}

func questionFrame(q *Question, previousID string, auto bool) QuestionMessage {
	return QuestionMessage{
		Type:           "question",
		ID:             q.ID,
		Prompt:         q.Prompt,
		Context:        q.Context,
		Image:          q.Image,
		Choices:        q.Choices,
		IsContinuation: q.IsContinuation(),
		IsTerminal:     q.IsTerminal(),
		PreviousID:     previousID,
		AutoTransition: auto,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades a connection and runs its pumps. The first message a
// client sends (create-session, join-session, or reconnect) binds the
// connection to a session.
func serveWS(cfg *Config, g *Game) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		go client.writePump()
		client.readPump(g)
	}
}

func (c *Client) readPump(g *Game) {
	defer func() {
		g.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		g.handleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler serves a PNG QR code pointing players at the join page.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	session := ps.ByName("session")
	if session == "" {
		http.Error(w, "missing session name", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:session/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerStoryGame sets up routes so that:
//   - $path/:session        → join page
//   - $path/:session/qr     → PNG QR code for that join URL
//   - /ws                   → the session protocol websocket
func registerStoryGame(ctx context.Context, cfg *Config, path string, mux *httprouter.Router, g *Game) {
	mux.GET(cfg.prefix+path+"/:session", serveJoinPage(cfg))
	mux.GET(cfg.prefix+path+"/:session/qr", qrHandler)
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, g))

	go g.sweepLoop(ctx)
}

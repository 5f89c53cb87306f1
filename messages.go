package main

// Messages coming from clients. One envelope with a closed set of tags;
// fields beyond what a tag requires are ignored, unknown tags are
// rejected with a bad-message error.
type ClientMessage struct {
	Type        string `json:"type"`                          // see dispatch table in session.go
	Name        string `json:"name,omitempty"`                // create-session / join-session
	ScenarioID  string `json:"scenario_id,omitempty"`         // create-session
	Mode        string `json:"mode,omitempty"`                // create-session: "group" or "solo"
	DisplayName string `json:"display_name,omitempty"`        // submit-profile
	Age         int    `json:"age,omitempty"`                 // submit-profile
	Gender      string `json:"gender,omitempty"`              // submit-profile
	School      string `json:"school,omitempty"`              // submit-profile
	TargetID    string `json:"target_question_id,omitempty"`  // advance
	QuestionID  string `json:"question_id,omitempty"`         // submit-answer
	Answer      string `json:"answer,omitempty"`              // submit-answer: letter or "continue"
	Secret      string `json:"secret,omitempty"`              // reconnect
	Format      string `json:"format,omitempty"`              // request-export: "csv" (default) or "report"
	Feedback    string `json:"feedback,omitempty"`            // submit-feedback
}

// SessionCreatedMessage confirms a create-session to the moderator.
type SessionCreatedMessage struct {
	Type          string `json:"type"` // "session-created"
	Name          string `json:"name"`
	ScenarioID    string `json:"scenario_id"`
	ScenarioTitle string `json:"scenario_title"`
	Mode          string `json:"mode"`
}

// ProfileRequiredMessage asks a joining client for its player info.
type ProfileRequiredMessage struct {
	Type          string `json:"type"` // "profile-required"
	Session       string `json:"session"`
	ScenarioTitle string `json:"scenario_title"`
}

// ProfileAcceptedMessage carries the reconnect secret back to the
// participant that just registered. The secret is never broadcast.
type ProfileAcceptedMessage struct {
	Type        string `json:"type"` // "profile-accepted"
	DisplayName string `json:"display_name"`
	Secret      string `json:"secret"`
}

// RosterChangedMessage is sent to the moderator whenever a participant
// joins, reconnects, or drops.
type RosterChangedMessage struct {
	Type        string `json:"type"` // "roster-changed"
	DisplayName string `json:"display_name"`
	Count       int    `json:"count"` // connected participants
	Reconnected bool   `json:"reconnected,omitempty"`
	Left        bool   `json:"left,omitempty"`
}

// SessionStartedMessage announces the transition out of the waiting
// room, immediately followed by the first question frame.
type SessionStartedMessage struct {
	Type string `json:"type"` // "session-started"
}

// QuestionMessage pushes a question node to clients.
type QuestionMessage struct {
	Type           string   `json:"type"` // "question"
	ID             string   `json:"id"`
	Prompt         string   `json:"question"`
	Context        string   `json:"context,omitempty"`
	Image          string   `json:"image,omitempty"`
	Choices        []Choice `json:"choices"`
	IsContinuation bool     `json:"is_continuation"`
	IsTerminal     bool     `json:"is_terminal"`
	PreviousID     string   `json:"previous_question_id,omitempty"`
	AutoTransition bool     `json:"auto_transition,omitempty"`
}

// VoteTallyMessage is the live aggregation for one question, broadcast
// after every counted answer.
type VoteTallyMessage struct {
	Type       string              `json:"type"` // "vote-tally"
	QuestionID string              `json:"question_id"`
	Counts     map[string]int      `json:"counts"`
	Voters     map[string][]string `json:"voters"`
	LastVoter  string              `json:"last_voter,omitempty"`
}

// AnswerRecordedMessage acknowledges a submit-answer to its sender.
type AnswerRecordedMessage struct {
	Type       string `json:"type"` // "answer-recorded"
	QuestionID string `json:"question_id"`
}

// ParticipantContinuedMessage tells the moderator a player clicked
// through a continuation node.
type ParticipantContinuedMessage struct {
	Type        string `json:"type"` // "participant-continued"
	DisplayName string `json:"display_name"`
	QuestionID  string `json:"question_id"`
}

// SessionEndedMessage is broadcast on an explicit end-session.
type SessionEndedMessage struct {
	Type string `json:"type"` // "session-ended"
}

// LobbyClosedMessage is the terminal notice sent when the moderator
// disconnects or the sweep reaps the session. Not recoverable.
type LobbyClosedMessage struct {
	Type string `json:"type"` // "lobby-closed"
}

// ExportReadyMessage hands the moderator a one-time download name.
type ExportReadyMessage struct {
	Type     string `json:"type"` // "export-ready"
	Filename string `json:"filename"`
}

// ReconnectedMessage restores a returning participant's view, including
// every answer it already recorded.
type ReconnectedMessage struct {
	Type          string            `json:"type"` // "reconnected"
	Session       string            `json:"session"`
	DisplayName   string            `json:"display_name"`
	ScenarioTitle string            `json:"scenario_title"`
	Responses     map[string]string `json:"responses"`
}

// ErrorMessage is only ever sent to the connection whose message
// failed; failures are never broadcast.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}

// Error kinds sent to clients in error{kind, message} frames. Every
// protocol transition failure maps to exactly one of these.
const (
	kindInvalidName      = "invalid-name"
	kindDuplicateSession = "duplicate-session"
	kindNotFound         = "not-found"
	kindNotAuthorized    = "not-authorized"
	kindNameTaken        = "name-taken"
	kindSoloMode         = "solo-mode"
	kindNotEnoughPlayers = "not-enough-players"
	kindStartNodeMissing = "start-node-missing"
	kindInvalidTarget    = "invalid-target"
	kindInvalidAnswer    = "invalid-answer"
	kindScenarioLoad     = "scenario-load"
	kindExportAccess     = "export-access"
	kindBadMessage       = "bad-message"
	kindInternal         = "internal"
)

// GameError is a protocol failure attributable to the caller (or to a
// scenario file). Anything else is treated as transient and reported as
// kindInternal without leaking the underlying error text.
type GameError struct {
	Kind    string
	Message string
}

func (e *GameError) Error() string {
	return e.Kind + ": " + e.Message
}

func gameErr(kind, message string) *GameError {
	return &GameError{Kind: kind, Message: message}
}

// errorFrame converts any error into the frame sent to the offending
// connection only. Storage and IO failures become a generic notice.
func errorFrame(err error) ErrorMessage {
	var ge *GameError
	if errors.As(err, &ge) {
		return ErrorMessage{Type: "error", Kind: ge.Kind, Message: ge.Message}
	}
	return ErrorMessage{Type: "error", Kind: kindInternal, Message: "server error, please retry"}
}

// Package message defines the messages exchanged with the browser extension.
// Every message is a JSON object whose "type" field selects the variant.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeCommand     Type = "command"
	TypeLogEntry    Type = "logEntry"
	TypeNewProblem  Type = "newProblem"
	TypeSetCode     Type = "setCode"
	TypeSetPrefs    Type = "setPrefs"
	TypeTestResults Type = "testResults"
	TypeVersion     Type = "version"
)

// Command keywords understood by the extension.
const (
	CommandRun       = "run"
	CommandSubmit    = "submit"
	CommandKeepAlive = "keepAlive"
)

// Log levels carried by LogEntry.
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
)

// ErrUnknownType is returned by Unmarshal when the type tag is missing or unrecognized.
var ErrUnknownType = errors.New("unknown message type")

// Message is implemented by every variant.
type Message interface {
	Type() Type
}

// Command asks the receiving side to perform a named action. The extension
// reads the keyword from "command", so both fields are written and either is
// accepted.
type Command struct {
	Name string `json:"name"`
}

type commandWire struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandWire{Name: c.Name, Command: c.Name})
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Name = w.Name
	if c.Name == "" {
		c.Name = w.Command
	}
	return nil
}

// LogEntry is a log line shown to the user by the extension.
type LogEntry struct {
	Level string `json:"messageType"`
	Text  string `json:"message"`
}

// NewProblem is sent by the extension when a problem page is scraped.
type NewProblem struct {
	Problem  string `json:"problem"`  // statement outer HTML
	Code     string `json:"code"`     // editor contents
	Language string `json:"language"` // fuzzy language name
	URL      string `json:"url"`
	Name     string `json:"name"`
}

// SetCode replaces the in-browser editor contents.
type SetCode struct {
	Text string `json:"code"`
}

// SetPrefs carries preference changes from the extension options page.
type SetPrefs struct {
	Prefs map[string]string `json:"prefs"`
}

// TestResults is the extension's reply to a run or submit command.
type TestResults struct {
	Cases map[string]TestCase `json:"cases,omitempty"`
	Error string              `json:"error,omitempty"`
}

// TestCase is a single test case and its outcome.
type TestCase struct {
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Expected string `json:"expected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Version announces the host version when the host starts.
type Version struct {
	Version string `json:"hostVersion"`
}

func (*Command) Type() Type     { return TypeCommand }
func (*LogEntry) Type() Type    { return TypeLogEntry }
func (*NewProblem) Type() Type  { return TypeNewProblem }
func (*SetCode) Type() Type     { return TypeSetCode }
func (*SetPrefs) Type() Type    { return TypeSetPrefs }
func (*TestResults) Type() Type { return TypeTestResults }
func (*Version) Type() Type     { return TypeVersion }

// newOf returns an empty value for the given tag.
func newOf(t Type) (Message, bool) {
	switch t {
	case TypeCommand:
		return &Command{}, true
	case TypeLogEntry:
		return &LogEntry{}, true
	case TypeNewProblem:
		return &NewProblem{}, true
	case TypeSetCode:
		return &SetCode{}, true
	case TypeSetPrefs:
		return &SetPrefs{}, true
	case TypeTestResults:
		return &TestResults{}, true
	case TypeVersion:
		return &Version{}, true
	}
	return nil, false
}

// Marshal encodes m with its type tag as the first field.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("marshal nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	tag, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal decodes a tagged message.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	m, ok := newOf(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return m, nil
}

// IsTestResults matches a TestResults reply.
func IsTestResults(m Message) bool {
	_, ok := m.(*TestResults)
	return ok
}

package agent

import (
	"fmt"
	"strings"
	"time"

	"chanbridge/internal/domain"
	"chanbridge/internal/session"
)

// Command is a slash command typed into a conversation.
type Command struct {
	Name string
	Args []string
}

// ParseCommand recognises "/name arg..." messages. The name is lowercased and
// a "@botname" suffix, as group chats on some platforms append, is dropped.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name, _, _ := strings.Cut(fields[0][1:], "@")
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Args: fields[1:]}, true
}

// SessionControl is the part of the session tracker commands operate on.
type SessionControl interface {
	Reset(assistantID, conversationID string)
	Stat(assistantID, conversationID string) (session.Snapshot, bool)
}

// Commands answers the slash commands of one connection without involving
// the model.
type Commands struct {
	sessions SessionControl
	provider string
	tools    []string
	started  time.Time
}

func NewCommands(sessions SessionControl, providerName string, toolNames []string) *Commands {
	return &Commands{sessions: sessions, provider: providerName, tools: toolNames, started: time.Now()}
}

const commandHelp = "Commands\n\n" +
	"/help      this list\n" +
	"/reset     forget the conversation so far (also /new, /clear)\n" +
	"/status    connection, model and conversation details"

// Handle returns the reply for cmd. ok is false for commands it does not
// know; those reach the model as ordinary text. status is the connection
// state reported by /status.
func (c *Commands) Handle(cmd Command, msg domain.InboundMessage, status string) (reply string, ok bool) {
	switch cmd.Name {
	case "help", "start":
		return commandHelp, true
	case "reset", "new", "clear":
		c.sessions.Reset(msg.AssistantID, msg.ConversationID)
		return "Done. This conversation starts over.", true
	case "status":
		return c.status(msg, status), true
	}
	return "", false
}

func (c *Commands) status(msg domain.InboundMessage, status string) string {
	turns, sessionID := 0, ""
	if snap, ok := c.sessions.Stat(msg.AssistantID, msg.ConversationID); ok {
		turns, sessionID = snap.Turns, snap.SessionID
	}
	lines := []string{
		fmt.Sprintf("Assistant: %s on %s (%s)", msg.AssistantID, msg.Platform, status),
		"Model: " + c.provider,
		"Tools: " + strings.Join(c.tools, ", "),
		fmt.Sprintf("Turns: %d", turns),
	}
	if sessionID != "" {
		lines = append(lines, "Session: "+sessionID)
	}
	lines = append(lines, "Uptime: "+time.Since(c.started).Round(time.Second).String())
	return strings.Join(lines, "\n")
}

package reload

import (
	"errors"

	"github.com/conneroisu/devserve/internal/build"
	deverrors "github.com/conneroisu/devserve/internal/errors"
)

// Command tags a live-reload message.
type Command string

const (
	CommandReload  Command = "reload"
	CommandRefresh Command = "refresh"
	CommandError   Command = "error"
	CommandNetwork Command = "network"
	CommandLog     Command = "log"
)

// Message is one JSON frame sent to browser clients. Only the fields that
// belong to Command are populated.
type Message struct {
	Command Command `json:"command"`
	Path    string  `json:"path,omitempty"`
	Key     string  `json:"key,omitempty"`
	Message string  `json:"message,omitempty"`
	File    string  `json:"file,omitempty"`
	Line    int     `json:"line,omitempty"`
	Column  int     `json:"column,omitempty"`
	State   string  `json:"state,omitempty"`
}

// LogFrame is the telemetry a client sends upstream.
type LogFrame struct {
	Command Command       `json:"command"`
	Level   string        `json:"level"`
	Args    []interface{} `json:"args"`
	URL     string        `json:"url"`
	Line    int           `json:"line"`
}

// ReloadMessage asks clients showing path to reload the page.
func ReloadMessage(path string) Message {
	return Message{Command: CommandReload, Path: path}
}

// RefreshMessage asks clients to swap the stylesheet at path in place.
func RefreshMessage(path string) Message {
	return Message{Command: CommandRefresh, Path: path}
}

// NetworkMessage reports an origin health transition.
func NetworkMessage(up bool) Message {
	state := "down"
	if up {
		state = "up"
	}

	return Message{Command: CommandNetwork, State: state}
}

// ErrorMessage describes a failed build of key. Location fields are filled
// when err is a compile failure that carries them.
func ErrorMessage(key build.ArtifactKey, err error) Message {
	msg := Message{Command: CommandError, Key: string(key), Message: "build failed"}
	if err == nil {
		return msg
	}

	var de *deverrors.DevError
	if errors.As(err, &de) {
		if de.Message != "" {
			msg.Message = de.Message
		} else {
			msg.Message = err.Error()
		}
		msg.File = de.FilePath
		msg.Line = de.Line
		msg.Column = de.Column

		return msg
	}

	msg.Message = err.Error()

	return msg
}

// MessageForCompletion maps a finished build to the message clients need.
func MessageForCompletion(c build.Completion) Message {
	if c.Status != build.StatusSucceeded {
		return ErrorMessage(c.Key, c.Err)
	}

	if c.Kind == build.KindStyle {
		return RefreshMessage(c.Path)
	}

	return ReloadMessage(c.Path)
}

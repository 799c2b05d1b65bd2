package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

var errUsage = errors.New(`commands: draw X Y [COLOR] | line X Y X2 Y2 [COLOR] | erase X Y | text X Y WORDS... | clear | ops | peers | quit`)

type command struct {
	name  string
	draft domain.OperationDraft
}

// parseCommand turns one stdin line into an action. Read-only commands
// carry no draft.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "ops", "peers", "quit", "exit":
		return command{name: name}, nil
	case "clear":
		return command{name: name, draft: domain.OperationDraft{Type: domain.OpClear}}, nil
	}

	var draft domain.OperationDraft
	switch name {
	case "draw", "erase":
		if len(args) < 2 {
			return command{}, errUsage
		}
		x, y, err := parsePair(args[0], args[1])
		if err != nil {
			return command{}, err
		}
		draft.Type = domain.OperationType(name)
		draft.Data = domain.OperationData{X: domain.Float(x), Y: domain.Float(y)}
		if name == "draw" && len(args) > 2 {
			draft.Data.Color = args[2]
		}

	case "line":
		if len(args) < 4 {
			return command{}, errUsage
		}
		x, y, err := parsePair(args[0], args[1])
		if err != nil {
			return command{}, err
		}
		x2, y2, err := parsePair(args[2], args[3])
		if err != nil {
			return command{}, err
		}
		draft.Type = domain.OpShape
		draft.Data = domain.OperationData{
			X: domain.Float(x), Y: domain.Float(y),
			X2: domain.Float(x2), Y2: domain.Float(y2),
			Shape: "line",
		}
		if len(args) > 4 {
			draft.Data.Color = args[4]
		}

	case "text":
		if len(args) < 3 {
			return command{}, errUsage
		}
		x, y, err := parsePair(args[0], args[1])
		if err != nil {
			return command{}, err
		}
		draft.Type = domain.OpText
		draft.Data = domain.OperationData{X: domain.Float(x), Y: domain.Float(y), Text: strings.Join(args[2:], " ")}

	default:
		return command{}, errUsage
	}
	return command{name: name, draft: draft}, nil
}

func parsePair(a, b string) (float64, float64, error) {
	x, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad coordinate %q", a)
	}
	y, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad coordinate %q", b)
	}
	return x, y, nil
}

// wsURL maps the server's http base to its signaling endpoint.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

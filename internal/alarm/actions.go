package alarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/ncruces/zenity"
)

// PathPlaceholder in CommandAction.Args is replaced with the alarm resource path.
const PathPlaceholder = "{path}"

// DefaultCommand plays a sound file without opening a window and exits when done.
var DefaultCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", PathPlaceholder}

// CommandAction plays the alarm resource through an external player.
type CommandAction struct {
	Command string
	Args    []string
	Path    string
}

// NewCommandAction builds a player action; an empty command selects DefaultCommand.
func NewCommandAction(path, command string, args []string) *CommandAction {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand[0]
		args = DefaultCommand[1:]
	}
	if len(args) == 0 {
		args = []string{PathPlaceholder}
	}
	return &CommandAction{Command: command, Args: args, Path: path}
}

// Argv returns the player arguments with the placeholder substituted.
func (c *CommandAction) Argv() []string {
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = strings.ReplaceAll(a, PathPlaceholder, c.Path)
	}
	return out
}

// Play runs the player synchronously.
func (c *CommandAction) Play(ctx context.Context) error {
	if _, err := os.Stat(c.Path); err != nil {
		return fmt.Errorf("alarm resource unavailable: %w", err)
	}
	cmd := utils.NewSafeCommand(ctx, c.Command, c.Argv()...)
	if err := cmd.Run(); err != nil {
		if tail := cmd.Tail(512); tail != "" {
			return fmt.Errorf("%s: %w: %s", c.Command, err, tail)
		}
		return fmt.Errorf("%s: %w", c.Command, err)
	}
	return nil
}

// NotifyAction raises a desktop notification.
type NotifyAction struct {
	Title string
	Text  string
}

// Play shows the notification; it returns once the notification is posted.
func (n *NotifyAction) Play(ctx context.Context) error {
	if err := zenity.Notify(n.Text, zenity.Title(n.Title), zenity.WarningIcon, zenity.Context(ctx)); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

// Actions plays each action in order and joins their errors.
type Actions []Action

// Play runs every action even if an earlier one failed.
func (as Actions) Play(ctx context.Context) error {
	var errs []error
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.Play(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

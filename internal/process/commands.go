package process

import (
	"errors"
	"fmt"
	"strings"
)

// StopKind selects what a stop step does.
type StopKind int

const (
	// StopTerminate asks the debugger to terminate the attached target.
	StopTerminate StopKind = iota
	// StopShell runs an operator supplied command.
	StopShell
)

func (k StopKind) String() string {
	switch k {
	case StopTerminate:
		return "terminate"
	case StopShell:
		return "shell"
	default:
		return fmt.Sprintf("StopKind(%d)", int(k))
	}
}

// StopCommand is one step of the stop sequence.
type StopCommand struct {
	Kind    StopKind `json:"kind"`
	Command string   `json:"command,omitempty"`
}

// Terminate returns a step that terminates the attached target.
func Terminate() StopCommand { return StopCommand{Kind: StopTerminate} }

// Shell returns a step that runs cmd through the shell.
func Shell(cmd string) StopCommand { return StopCommand{Kind: StopShell, Command: cmd} }

func (c StopCommand) String() string {
	if c.Kind == StopShell {
		return "shell: " + c.Command
	}
	return c.Kind.String()
}

// Validate checks that the step is well formed.
func (c StopCommand) Validate() error {
	switch c.Kind {
	case StopTerminate:
		if c.Command != "" {
			return errors.New("terminate step takes no command")
		}
	case StopShell:
		if strings.TrimSpace(c.Command) == "" {
			return errors.New("shell step requires command")
		}
	default:
		return fmt.Errorf("unknown stop step kind %d", int(c.Kind))
	}
	return nil
}

// Commands holds the start and stop sequences. It is read-only once handed
// to a Controller.
type Commands struct {
	Start []string      `json:"start"`
	Stop  []StopCommand `json:"stop"`
}

func (c Commands) Validate() error {
	for i, s := range c.Start {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("start command %d is empty", i)
		}
	}
	for i, s := range c.Stop {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("stop command %d: %w", i, err)
		}
	}
	return nil
}

func (c Commands) clone() Commands {
	return Commands{
		Start: append([]string(nil), c.Start...),
		Stop:  append([]StopCommand(nil), c.Stop...),
	}
}

package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// CommandHandler resolves a named channel command to a concrete action.
// The Supervisor itself only knows "start/stop/restart a named child"; the
// cmd/supervisor binary wires channel names to Worker ChildSpecs.
type CommandHandler interface {
	StartChannel(ctx context.Context, channel string) error
	StopChannel(ctx context.Context, channel string) error
	RestartChannel(ctx context.Context, channel string) error
}

// CommandInbox polls a file at Path every 100ms for one command line
// (§4.4, §6.3): "start <ch>", "stop <ch>", "restart <ch>", "quit". Each
// command writes ResultPath with "SUCCESS: <msg>" or "ERROR: <msg>" and
// deletes the command file once consumed; the result file is left in place
// for the caller to read and remove.
type CommandInbox struct {
	Path       string
	ResultPath string
	Timeout    time.Duration

	handler CommandHandler
	quit    func()
}

func NewCommandInbox(path, resultPath string, timeout time.Duration, handler CommandHandler, quit func()) *CommandInbox {
	return &CommandInbox{Path: path, ResultPath: resultPath, Timeout: timeout, handler: handler, quit: quit}
}

func (ci *CommandInbox) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ci.pollOnce(ctx)
		}
	}
}

func (ci *CommandInbox) pollOnce(ctx context.Context) {
	data, err := os.ReadFile(ci.Path)
	if err != nil {
		return // no command waiting; not an error condition
	}

	line := strings.TrimSpace(string(data))
	result := ci.execute(ctx, line)

	if err := os.WriteFile(ci.ResultPath, []byte(result), 0o644); err != nil {
		return
	}
	os.Remove(ci.Path)
}

func (ci *CommandInbox) execute(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR: empty command"
	}

	cmdCtx, cancel := context.WithTimeout(ctx, ci.Timeout)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		done <- ci.dispatch(cmdCtx, fields)
	}()

	select {
	case res := <-done:
		return res
	case <-cmdCtx.Done():
		return "ERROR: timeout"
	}
}

func (ci *CommandInbox) dispatch(ctx context.Context, fields []string) string {
	verb := fields[0]
	if verb == "quit" {
		if ci.quit != nil {
			ci.quit()
		}
		return "SUCCESS: quitting"
	}
	if len(fields) != 2 {
		return fmt.Sprintf("ERROR: %q requires exactly one channel argument", verb)
	}
	channel := fields[1]

	var err error
	switch verb {
	case "start":
		err = ci.handler.StartChannel(ctx, channel)
	case "stop":
		err = ci.handler.StopChannel(ctx, channel)
	case "restart":
		err = ci.handler.RestartChannel(ctx, channel)
	default:
		return fmt.Sprintf("ERROR: unrecognized command %q", verb)
	}
	if err != nil {
		return fmt.Sprintf("ERROR: %s", err)
	}
	return fmt.Sprintf("SUCCESS: %s %s", verb, channel)
}

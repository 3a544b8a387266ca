package executors

import (
	"context"
	"os"
	"strings"

	"codor/internal/domain"
)

// Terminal runs TERMINAL_COMMAND actions.
//
// Parameters: command (shell string, or program when args is set), args,
// workingDirectory (alias cwd), env, stdin, expectedExitCode (default 0),
// shell (default "sh").
type Terminal struct {
	Environ func() []string
}

func NewTerminal() *Terminal { return &Terminal{Environ: os.Environ} }

func (t *Terminal) Name() string          { return "terminal-executor" }
func (t *Terminal) Version() string       { return "1.0.0" }
func (t *Terminal) ActionTypes() []string { return []string{domain.ActionTerminalCommand} }

func (t *Terminal) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	command, err := p.requireString("command")
	if err != nil {
		return nil, err
	}
	args, err := p.stringList("args")
	if err != nil {
		return nil, err
	}
	ps, err := t.procSpec(p, global)
	if err != nil {
		return nil, err
	}
	want, err := p.integer("expectedExitCode", 0)
	if err != nil {
		return nil, err
	}
	display := command
	if p.has("args") {
		ps.Path = command
		ps.Args = args
		display = strings.TrimSpace(command + " " + strings.Join(args, " "))
	} else {
		shell, err := p.str("shell", "sh")
		if err != nil {
			return nil, err
		}
		ps.Path = shell
		ps.Args = []string{"-c", command}
	}

	res, err := runProcess(ctx, ps)
	out := res.fields(display)
	if err != nil {
		return out, err
	}
	if int64(res.ExitCode) != want {
		return out, exitError("command", res, want)
	}
	return out, nil
}

func (t *Terminal) procSpec(p params, global domain.GlobalConfiguration) (procSpec, error) {
	dir, err := p.firstString("", "workingDirectory", "cwd")
	if err != nil {
		return procSpec{}, err
	}
	if dir == "" {
		dir = global.WorkspaceRoot
	} else {
		dir = resolvePath(global, dir)
	}
	env, err := p.stringMap("env")
	if err != nil {
		return procSpec{}, err
	}
	stdin, err := p.str("stdin", "")
	if err != nil {
		return procSpec{}, err
	}
	environ := t.Environ
	if environ == nil {
		environ = os.Environ
	}
	return procSpec{
		Dir:   dir,
		Env:   mergedEnv(environ(), global.Environment, env),
		Stdin: stdin,
	}, nil
}

package executors

import (
	"context"
	"fmt"
	"strings"

	"codor/internal/domain"
)

// Docker runs DOCKER_COMMAND actions through the docker CLI.
//
// Parameters: command ("ps -a") or args (["run","--rm","alpine","true"]),
// plus the Terminal parameters workingDirectory, env, stdin and
// expectedExitCode. binary selects a compatible CLI such as podman.
type Docker struct {
	Terminal *Terminal
	Binary   string
}

func NewDocker() *Docker { return &Docker{Terminal: NewTerminal(), Binary: "docker"} }

func (d *Docker) Name() string          { return "docker-executor" }
func (d *Docker) Version() string       { return "1.0.0" }
func (d *Docker) ActionTypes() []string { return []string{domain.ActionDockerCommand} }

func (d *Docker) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	args, err := p.stringList("args")
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		command, err := p.str("command", "")
		if err != nil {
			return nil, err
		}
		command = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command), "docker "))
		args = strings.Fields(command)
	}
	if len(args) == 0 {
		return nil, &ParamError{Param: "command", Reason: "required (or args)"}
	}
	bin, err := p.str("binary", d.Binary)
	if err != nil {
		return nil, err
	}
	if bin == "" {
		bin = "docker"
	}
	want, err := p.integer("expectedExitCode", 0)
	if err != nil {
		return nil, err
	}
	term := d.Terminal
	if term == nil {
		term = NewTerminal()
	}
	ps, err := term.procSpec(p, global)
	if err != nil {
		return nil, err
	}
	ps.Path = bin
	ps.Args = args

	display := bin + " " + strings.Join(args, " ")
	res, err := runProcess(ctx, ps)
	out := res.fields(display)
	if err != nil {
		return out, fmt.Errorf("docker: %w", err)
	}
	if int64(res.ExitCode) != want {
		return out, exitError(bin, res, want)
	}
	return out, nil
}

package executors

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"codor/internal/domain"
)

// Script runs CUSTOM_SCRIPT actions.
//
// Go scripts (language "go", the default for inline code declaring
// func Run) are interpreted in-process and must define
//
//	func Run(input string) (string, error)
//
// Any other language runs through an interpreter process: "sh", "bash",
// "python3", "node", or the interpreter parameter.
//
// Parameters: script (inline source) or file, language, interpreter, input,
// args, env, workingDirectory, expectedExitCode, expectOutput.
type Script struct {
	Terminal *Terminal
}

func NewScript() *Script { return &Script{Terminal: NewTerminal()} }

func (s *Script) Name() string          { return "script-executor" }
func (s *Script) Version() string       { return "1.0.0" }
func (s *Script) ActionTypes() []string { return []string{domain.ActionCustomScript} }

func (s *Script) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	source, file, err := scriptSource(p, global)
	if err != nil {
		return nil, err
	}
	lang, err := p.str("language", "")
	if err != nil {
		return nil, err
	}
	if lang == "" {
		lang = guessLanguage(file, source)
	}
	input, err := p.str("input", "")
	if err != nil {
		return nil, err
	}

	var (
		out    map[string]any
		output string
	)
	if lang == "go" {
		if source == "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read script: %w", err)
			}
			source = string(data)
		}
		output, err = runGoScript(ctx, source, input)
		out = map[string]any{"language": lang, "output": output}
		if err != nil {
			return out, err
		}
	} else {
		out, output, err = s.runInterpreted(ctx, p, global, lang, source, file, input)
		if err != nil {
			return out, err
		}
	}

	expect, err := p.stringList("expectOutput")
	if err != nil {
		return out, err
	}
	for _, want := range expect {
		if !strings.Contains(output, want) {
			return out, fmt.Errorf("script output does not contain %q", want)
		}
	}
	return out, nil
}

func scriptSource(p params, global domain.GlobalConfiguration) (source, file string, err error) {
	source, err = p.firstString("", "script", "code")
	if err != nil {
		return "", "", err
	}
	file, err = p.firstString("", "file", "path")
	if err != nil {
		return "", "", err
	}
	if source == "" && file == "" {
		return "", "", &ParamError{Param: "script", Reason: "required (or file)"}
	}
	if file != "" {
		file = resolvePath(global, file)
	}
	return source, file, nil
}

func guessLanguage(file, source string) string {
	switch {
	case strings.HasSuffix(file, ".go"):
		return "go"
	case strings.HasSuffix(file, ".py"):
		return "python3"
	case strings.HasSuffix(file, ".js"), strings.HasSuffix(file, ".mjs"):
		return "node"
	case file == "" && strings.Contains(source, "func Run("):
		return "go"
	}
	return "sh"
}

func (s *Script) runInterpreted(ctx context.Context, p params, global domain.GlobalConfiguration, lang, source, file, input string) (map[string]any, string, error) {
	interpreter, err := p.str("interpreter", lang)
	if err != nil {
		return nil, "", err
	}
	args, err := p.stringList("args")
	if err != nil {
		return nil, "", err
	}
	want, err := p.integer("expectedExitCode", 0)
	if err != nil {
		return nil, "", err
	}
	term := s.Terminal
	if term == nil {
		term = NewTerminal()
	}
	ps, err := term.procSpec(p, global)
	if err != nil {
		return nil, "", err
	}
	ps.Path = interpreter
	ps.Stdin = input
	if file != "" {
		ps.Args = append([]string{file}, args...)
	} else {
		ps.Args = append(inlineFlag(interpreter, source), args...)
	}

	res, err := runProcess(ctx, ps)
	display := interpreter
	if file != "" {
		display += " " + file
	}
	out := res.fields(display)
	out["language"] = lang
	if err != nil {
		return out, res.Stdout, err
	}
	if int64(res.ExitCode) != want {
		return out, res.Stdout, exitError("script", res, want)
	}
	return out, res.Stdout, nil
}

func inlineFlag(interpreter, source string) []string {
	if interpreter == "node" {
		return []string{"-e", source}
	}
	return []string{"-c", source}
}

// runGoScript interprets source and calls its Run function, giving up when
// ctx is done. An abandoned interpreter goroutine cannot be stopped; it is
// left to finish on its own.
func runGoScript(ctx context.Context, source, input string) (string, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("load stdlib symbols: %w", err)
	}
	if !strings.Contains(source, "package ") {
		source = "package main\n\n" + source
	}
	if _, err := i.Eval(source); err != nil {
		return "", fmt.Errorf("script compilation failed: %w", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return "", fmt.Errorf("script does not define Run: %w", err)
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("script Run has signature %s, want func(string) (string, error)", v.Type())
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		o, err := run(input)
		done <- result{out: o, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("script timed out: %w", ctx.Err())
	}
}

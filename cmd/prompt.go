package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter asks the user for input on the terminal.
type prompter interface {
	Line(label string) (string, error)
	Secret(label string) ([]byte, error)
	Confirm(question string) (bool, error)
}

// terminalPrompter reads from in and writes labels to out. Secrets are read
// without echo when in is a terminal.
type terminalPrompter struct {
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm func(fd int) bool
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stderr,
		fd:     int(os.Stdin.Fd()),
		isTerm: term.IsTerminal,
	}
}

func (p *terminalPrompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) Secret(label string) ([]byte, error) {
	if !p.isTerm(p.fd) {
		line, err := p.Line(label)
		return []byte(line), err
	}
	fmt.Fprint(p.out, label)
	secret, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return secret, nil
}

func (p *terminalPrompter) Confirm(question string) (bool, error) {
	answer, err := p.Line(question + " (y/n): ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNoPrompt is returned when a secret is needed but nobody can be asked.
var ErrNoPrompt = errors.New("credential: no terminal to prompt on")

// Prompter asks the user for a secret.
type Prompter interface {
	Prompt(label string) ([]byte, error)
}

// Terminal prompts on the controlling terminal without echo.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal returns a prompter reading stdin and writing to stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

func (t *Terminal) Prompt(label string) ([]byte, error) {
	fd := int(t.In.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoPrompt
	}
	fmt.Fprintf(t.Out, "%s: ", label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", label, err)
	}
	return bytes.TrimRight(secret, "\r\n"), nil
}

package supervisor

import (
	"fmt"
	"io"

	"github.com/chzyer/readline"
)

// Readline adapts chzyer/readline to the Prompter interface: line
// editing, arrow-key history backed by a file, and sane interrupt
// behavior for a long-lived session.
type Readline struct {
	rl *readline.Instance
}

// NewReadline opens the terminal line editor. historyFile may be empty
// to keep history in memory only.
func NewReadline(historyFile string) (*Readline, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return &Readline{rl: rl}, nil
}

// ReadLine shows the prompt and returns one line. A single Ctrl+C warns
// and re-prompts; a second in a row reads as end of input, same as
// Ctrl+D.
func (r *Readline) ReadLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if err == readline.ErrInterrupt {
		fmt.Println("(press Ctrl+C again or type 'exit' to quit)")
		line, err = r.rl.Readline()
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
	}
	if err != nil {
		return "", err
	}
	return line, nil
}

// Close releases the terminal.
func (r *Readline) Close() error { return r.rl.Close() }

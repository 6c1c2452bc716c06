package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// PassphraseEnv overrides the interactive passphrase prompt.
const PassphraseEnv = "ROSTERSYNC_PASSPHRASE"

var readPassword = term.ReadPassword

// getPassphrase returns the team passphrase from the environment, or prompts
// for it on the terminal.
func getPassphrase(w io.Writer) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	fmt.Fprint(w, "Team passphrase: ")
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	return string(b), nil
}

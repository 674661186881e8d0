package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Alias struct {
	Name    string
	Command string
}

// RC describes the shell init file written into the sandbox before each launch.
type RC struct {
	// PromptName is shown in bold green, followed by "$ ".
	PromptName string
	Aliases    []Alias
	// Banner lines are echoed after the screen is cleared.
	Banner []string
}

func DefaultRC() RC {
	return RC{
		PromptName: "ghost",
		Aliases:    []Alias{{Name: "ls", Command: "ls --color=auto"}},
		Banner: []string{
			"Connected to Secure Shell...",
			"Type 'ls' to see files.",
		},
	}
}

// Render returns the init file contents.
func (rc RC) Render() string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "export PS1=%s\n", doubleQuote(`\[\033[01;32m\]`+rc.PromptName+`$ \[\033[00m\]`))
	for _, a := range rc.Aliases {
		fmt.Fprintf(&b, "alias %s=%s\n", a.Name, singleQuote(a.Command))
	}
	b.WriteString("clear\n")
	for _, line := range rc.Banner {
		fmt.Fprintf(&b, "echo %s\n", doubleQuote(line))
	}
	return b.String()
}

// WriteRCFile (over)writes the init file called name in dir and returns its path.
func WriteRCFile(dir, name string, rc RC) (string, error) {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(rc.Render()), 0o644)
	if err != nil {
		return "", fmt.Errorf("writing %q: %w", path, err)
	}
	return path, nil
}

// doubleQuote quotes s for bash, leaving backslash sequences that aren't special inside double quotes alone.
func doubleQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '$', '`':
			if c == '$' && i+1 < len(s) && s[i+1] == ' ' {
				// "$ " is literal, keep the prompt readable
				b.WriteByte(c)
				continue
			}
			b.WriteByte('\\')
		case '\\':
			if i+1 < len(s) && strings.IndexByte("\"$`\\\n", s[i+1]) >= 0 {
				b.WriteByte('\\')
			}
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package process

import (
	"strings"

	"github.com/alessio/shellescape"
)

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}

// commandLine renders a command the way a user would type it into a shell.
func commandLine(command string, args []string) string {
	var b commandBuilder
	b.add(command)
	b.add(args...)
	return b.String()
}

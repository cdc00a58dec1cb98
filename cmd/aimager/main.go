// Command aimager builds bootable disk images and root filesystem
// archives for Arch Linux and its architecture ports, without requiring
// real root on the host.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/aimager/aimager"
)

func main() {
	type cmd struct {
		helpText string
		fn       func(args []string) error
	}
	verbs := map[string]cmd{
		"build":        {buildHelp, build},
		"table":        {tableHelp, table},
		"board":        {boardHelp, board},
		"distro":       {distroHelp, distro},
		"clean-builds": {cleanBuildsHelp, cleanBuilds},
		"binfmt-check": {binfmtCheckHelp, binfmtCheck},
		"version":      {versionHelp, printVersion},
	}

	args := os.Args[1:]
	verb := "build"
	if len(args) > 0 && !isFlag(args[0]) {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "syntax: aimager help <verb>\n\nVerbs:\n")
			for name := range verbs {
				fmt.Fprintf(os.Stderr, "\t%s\n", name)
			}
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: aimager <command> [options]\n")
		os.Exit(2)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "%s", v.helpText)
	}
	if err := v.fn(args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %+v\n", verb, err)
		os.Exit(1)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

var versionHelp = `aimager version

Print aimager's own release version.
`

func printVersion(args []string) error {
	fmt.Println(aimager.Version)
	return nil
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

type palette struct {
	Reset, Bold, Dim, Red, Green, Yellow, Cyan string
}

var colored = palette{
	Reset:  "\033[0m",
	Bold:   "\033[1m",
	Dim:    "\033[2m",
	Red:    "\033[31m",
	Green:  "\033[32m",
	Yellow: "\033[33m",
	Cyan:   "\033[36m",
}

// paletteFor returns ANSI colors only when w is a terminal and NO_COLOR is
// unset.
func paletteFor(w io.Writer) palette {
	if os.Getenv("NO_COLOR") != "" {
		return palette{}
	}
	f, ok := w.(*os.File)
	if !ok {
		return palette{}
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return colored
	}
	return palette{}
}

func (a *app) section(title string) {
	fmt.Fprintf(a.out, "\n%s%s%s\n", a.c.Bold, title, a.c.Reset)
}

func (a *app) field(name string, format string, args ...any) {
	fmt.Fprintf(a.out, "  %s%-14s%s %s\n", a.c.Dim, name, a.c.Reset, fmt.Sprintf(format, args...))
}

func (a *app) errorf(format string, args ...any) {
	fmt.Fprintf(a.errOut, "%sError%s: %s\n", a.c.Red, a.c.Reset, fmt.Sprintf(format, args...))
}

func (a *app) tip(text string) {
	fmt.Fprintf(a.errOut, "  %sTip%s: %s\n", a.c.Dim, a.c.Reset, text)
}

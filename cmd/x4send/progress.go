package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/TobiSchelling/x4send/internal/transfer"
)

// newProgress prints send progress to w when it is a terminal. Piped output
// only gets the final summary.
func newProgress(w io.Writer) transfer.Observer {
	return transfer.ObserverFunc(func(_ context.Context, ev transfer.Event) error {
		if !isTerminal(w) {
			return nil
		}
		_, err := fmt.Fprintf(w, "%s %s\n", progressMark(ev.State), ev.Message)
		return err
	})
}

func progressMark(s transfer.State) string {
	switch s {
	case transfer.StateSuccess, transfer.StateDownloaded:
		return "[ok]"
	case transfer.StateFailed:
		return "[!!]"
	}
	return "[..]"
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

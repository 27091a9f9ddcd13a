package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"tally-sync/internal/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and reported a problem, such as records left pending
	ExitCommandError = 2 // bad arguments, store unreachable
)

// ExitError carries the exit code a command wants.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Plain errors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecords(w io.Writer, recs []models.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESA\tSTATUS\tATTEMPTS\tLAST\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, mesaLabel(rec), rec.Status, rec.Attempts, lastOutcome(rec),
			rec.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func mesaLabel(rec models.Record) string {
	if id, ok := rec.MesaID(); ok {
		label := fmt.Sprintf("%d", id)
		if rec.Overwrite() {
			label += " (overwrite)"
		}
		return label
	}
	return "-"
}

func lastOutcome(rec models.Record) string {
	switch {
	case rec.LastError != "" && rec.LastStatus != 0:
		return fmt.Sprintf("%d %s", rec.LastStatus, rec.LastError)
	case rec.LastError != "":
		return rec.LastError
	case rec.LastStatus != 0:
		return fmt.Sprintf("%d", rec.LastStatus)
	}
	return "-"
}

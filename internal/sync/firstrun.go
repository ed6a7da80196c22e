package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/njoerd114/watchledger/internal/model"
	"github.com/njoerd114/watchledger/internal/provider"
)

// previewLimit caps how many records per direction the summary lists.
const previewLimit = 10

// FirstRun guards the very first pass between two providers. It prints what
// the pass would write to each side and asks for confirmation before running
// it.
type FirstRun struct {
	engine *Engine
	log    *slog.Logger
	reader io.Reader // for confirmation prompt (os.Stdin in production)
	writer io.Writer // for summary output (os.Stdout in production)
}

// NewFirstRun creates a FirstRun. reader and writer control the confirmation
// prompt I/O.
func NewFirstRun(engine *Engine, logger *slog.Logger, reader io.Reader, writer io.Writer) *FirstRun {
	return &FirstRun{engine: engine, log: logger, reader: reader, writer: writer}
}

// Run previews and, once confirmed, performs the first pass between a and b.
// It returns false without doing anything when a pass has succeeded before,
// or when the user declines.
func (f *FirstRun) Run(ctx context.Context, a, b provider.Kind) (bool, Result, error) {
	if f.engine.Status().LastSyncAt != 0 {
		f.log.Debug("providers synced before, skipping first-run preview")
		return false, Result{}, nil
	}

	plan, err := f.engine.Preview(ctx, a, b)
	if err != nil {
		return false, Result{}, fmt.Errorf("previewing first sync: %w", err)
	}

	f.printSummary(a, b, plan)
	if !f.confirm() {
		f.log.Info("first sync cancelled by user")
		return false, Result{}, nil
	}

	res, err := f.engine.SyncProviders(ctx, a, b)
	if err != nil {
		return false, res, err
	}
	return true, res, nil
}

// printSummary writes a human-readable summary of the plan.
func (f *FirstRun) printSummary(a, b provider.Kind, plan Plan) {
	_, _ = fmt.Fprintf(f.writer, "\n--- First Sync Summary ---\n\n")

	section := func(dst provider.Kind, arrow string, recs []model.WatchRecord) {
		_, _ = fmt.Fprintf(f.writer, "To %s: %d\n", dst, len(recs))
		for i, r := range recs {
			if i == previewLimit {
				_, _ = fmt.Fprintf(f.writer, "    … and %d more\n", len(recs)-previewLimit)
				break
			}
			_, _ = fmt.Fprintf(f.writer, "    %s %s  %s\n", arrow, r.ID, r.Title)
		}
	}
	section(b, "→", plan.ToB)
	section(a, "←", plan.ToA)

	_, _ = fmt.Fprintf(f.writer, "\nTotal: %d records change, %d differ on both sides\n",
		plan.Synced, plan.Conflicts)
}

// confirm reads a y/n response from the reader.
func (f *FirstRun) confirm() bool {
	_, _ = fmt.Fprintf(f.writer, "Proceed with sync? [y/N] ")
	scanner := bufio.NewScanner(f.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}

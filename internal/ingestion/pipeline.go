package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/graphmat/internal/logging"
	"github.com/Benny93/graphmat/internal/materializer"
)

// ProgressCallback is called after each document with the number of
// documents processed so far and the document's ID.
type ProgressCallback func(done int, docID string)

// Options controls a pass.
type Options struct {
	// ContinueOnError keeps going after a failed document. When false the
	// pass stops at the first failure.
	ContinueOnError bool

	// Repair retries malformed documents after running them through a JSON
	// repairer.
	Repair bool

	Progress ProgressCallback
	Logger   *log.Logger
}

// DocumentError is a failure isolated to one document.
type DocumentError struct {
	Index      int    `json:"index"`
	DocumentID string `json:"document_id"`
	Err        error  `json:"-"`
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %d (%s): %v", e.Index, e.DocumentID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// PassResult summarizes a pass.
type PassResult struct {
	PassID        string           `json:"pass_id"`
	Documents     int              `json:"documents"`
	Ingested      int              `json:"ingested"`
	Repaired      int              `json:"repaired"`
	Nodes         int              `json:"nodes"`
	Relationships int              `json:"relationships"`
	Errors        []*DocumentError `json:"errors,omitempty"`
	DurationSecs  float64          `json:"duration_secs"`
}

// Failed reports whether any document failed.
func (r *PassResult) Failed() bool { return len(r.Errors) > 0 }

// RunPass materializes every document of src into w.
//
// The context is checked between documents; a cancelled pass returns the
// partial result together with the context's error. Per-document failures
// are collected in the result. Without ContinueOnError the first failure
// also ends the pass and is returned.
func RunPass(ctx context.Context, m *materializer.Materializer, w materializer.Writer, src Source, opts Options) (*PassResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	result := &PassResult{PassID: uuid.New().String()}
	logger = logger.With("pass", result.PassID[:8])

	start := time.Now()
	defer func() { result.DurationSecs = time.Since(start).Seconds() }()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		doc, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading documents: %w", err)
		}
		result.Documents++

		plan, repaired, err := ingestDocument(ctx, m, w, doc, opts.Repair)
		if opts.Progress != nil {
			opts.Progress(result.Documents, doc.ID)
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return result, err
			}

			docErr := &DocumentError{Index: doc.Index, DocumentID: doc.ID, Err: err}
			result.Errors = append(result.Errors, docErr)
			logger.Warn("document failed", "index", doc.Index, "document", doc.ID, "err", err)

			if !opts.ContinueOnError {
				return result, docErr
			}
			continue
		}

		if repaired {
			result.Repaired++
			logger.Info("repaired malformed document", "document", doc.ID)
		}
		result.Ingested++
		result.Nodes += len(plan.Nodes)
		result.Relationships += len(plan.Relationships)
	}

	logger.Info("pass complete",
		"documents", result.Documents,
		"ingested", result.Ingested,
		"failed", len(result.Errors),
		"nodes", result.Nodes,
		"relationships", result.Relationships)
	return result, nil
}

// ingestDocument writes one document, retrying a malformed one once after
// repair when asked to.
func ingestDocument(ctx context.Context, m *materializer.Materializer, w materializer.Writer, doc *Document, repair bool) (*materializer.Plan, bool, error) {
	plan, err := m.Ingest(ctx, w, doc.ID, doc.Data)
	if err == nil || !repair || !errors.Is(err, materializer.ErrMalformedInput) {
		return plan, false, err
	}

	fixed, repairErr := jsonrepair.JSONRepair(string(doc.Data))
	if repairErr != nil || !isContainer(fixed) {
		return nil, false, err
	}

	plan, retryErr := m.Ingest(ctx, w, doc.ID, []byte(fixed))
	if retryErr != nil {
		// report the original problem, not the repaired one
		return nil, false, err
	}
	return plan, true, nil
}

// isContainer reports whether repaired text is an object or array. A repair
// that quotes free text into a string scalar is not accepted.
func isContainer(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}

// Pass pairs a source with its options for RunPasses.
type Pass struct {
	Source  Source
	Options Options
}

// RunPasses runs independent passes concurrently against the same store.
// Each pass has its own per-document bookkeeping; the store is the only
// shared state. Results are returned in pass order. The first pass error
// cancels the others.
func RunPasses(ctx context.Context, m *materializer.Materializer, w materializer.Writer, passes []Pass) ([]*PassResult, error) {
	results := make([]*PassResult, len(passes))

	g, gctx := errgroup.WithContext(ctx)
	for i, pass := range passes {
		g.Go(func() error {
			res, err := RunPass(gctx, m, w, pass.Source, pass.Options)
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	return results, err
}

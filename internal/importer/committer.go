package importer

import (
	"context"
	"math"
	"time"
)

// DefaultChunkSize is the number of rows submitted per persist call.
const DefaultChunkSize = 50

// seedSecondsPerRow is the assumed cost per row until a chunk has completed.
const seedSecondsPerRow = 0.05

// TargetKind selects where committed rows are stored.
type TargetKind string

const (
	TargetInvoices          TargetKind = "invoices"
	TargetAccountingEntries TargetKind = "accounting_entries"
)

// ImportTarget is the metadata passed along with every chunk.
type ImportTarget struct {
	Kind       TargetKind `json:"kind"`
	EntryType  string     `json:"entry_type,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
}

// BatchPersister stores one chunk of accepted rows. A chunk either succeeds
// or fails as a whole.
type BatchPersister interface {
	PersistChunk(ctx context.Context, target ImportTarget, rows []ValidatedRow) error
}

// BatchPersisterFunc adapts a function to BatchPersister.
type BatchPersisterFunc func(ctx context.Context, target ImportTarget, rows []ValidatedRow) error

func (f BatchPersisterFunc) PersistChunk(ctx context.Context, target ImportTarget, rows []ValidatedRow) error {
	return f(ctx, target, rows)
}

// Progress is the committer's view of how far a commit has come.
type Progress struct {
	PercentCommitted int `json:"percent_committed"`
	ETASeconds       int `json:"eta_seconds"`
}

// ChunkOutcome describes a finished chunk.
type ChunkOutcome struct {
	Index int
	From  int
	To    int
	Err   error
}

// CommitResult is the terminal result of a commit run.
type CommitResult struct {
	CommittedCount int
	CommittedRows  []int
	FailedRows     []ValidatedRow
	Chunks         int
}

// Committer submits rows in sequential chunks. Chunk i+1 is only submitted
// after chunk i's outcome is known, and a failed chunk never stops the run.
type Committer struct {
	Persister BatchPersister
	ChunkSize int
	// OnProgress is called before each chunk and once after the last one.
	OnProgress func(Progress)
	// OnChunk is called after each chunk outcome is known.
	OnChunk func(ChunkOutcome)

	now func() time.Time
}

func NewCommitter(persister BatchPersister, chunkSize int) *Committer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Committer{
		Persister: persister,
		ChunkSize: chunkSize,
		now:       time.Now,
	}
}

// Chunks splits rows into consecutive slices of at most size rows.
func Chunks(rows []ValidatedRow, size int) [][]ValidatedRow {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]ValidatedRow
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[i:end])
	}
	return chunks
}

// Commit persists rows in order. Once a chunk is submitted its outcome is
// awaited even if ctx is cancelled; chunks not yet submitted when ctx is done
// are returned as failed.
func (c *Committer) Commit(ctx context.Context, target ImportTarget, rows []ValidatedRow) CommitResult {
	var result CommitResult
	total := len(rows)
	if total == 0 {
		c.report(Progress{PercentCommitted: 100})
		return result
	}

	clock := c.now
	if clock == nil {
		clock = time.Now
	}
	started := clock()
	eta := int(math.Ceil(float64(total) * seedSecondsPerRow))
	processed := 0

	for i, chunk := range Chunks(rows, c.ChunkSize) {
		if processed > 0 {
			eta = estimateETA(total, processed, clock().Sub(started))
		}
		c.report(Progress{PercentCommitted: processed * 100 / total, ETASeconds: eta})

		outcome := ChunkOutcome{Index: i, From: processed, To: processed + len(chunk)}
		if err := ctx.Err(); err != nil {
			outcome.Err = err
		} else {
			outcome.Err = c.Persister.PersistChunk(context.WithoutCancel(ctx), target, chunk)
		}

		if outcome.Err != nil {
			result.FailedRows = append(result.FailedRows, chunk...)
		} else {
			result.CommittedCount += len(chunk)
			for _, row := range chunk {
				result.CommittedRows = append(result.CommittedRows, row.RowIndex)
			}
		}
		result.Chunks++
		processed += len(chunk)

		if c.OnChunk != nil {
			c.OnChunk(outcome)
		}
	}

	c.report(Progress{PercentCommitted: 100})
	return result
}

func (c *Committer) report(p Progress) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

// estimateETA extrapolates the remaining time from observed throughput.
func estimateETA(total, processed int, elapsed time.Duration) int {
	seconds := elapsed.Seconds()
	if seconds <= 0 || processed <= 0 {
		return 0
	}
	rate := float64(processed) / seconds
	return int(math.Ceil(float64(total-processed) / rate))
}

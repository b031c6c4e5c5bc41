// Package parallel provides deterministic fork/join helpers for the
// pyramid builder.
//
// The builder's contract is that worker count never changes output
// bytes, so the helpers here expose parallelism only in shapes that
// keep a fixed reduction order: work is split into contiguous chunks,
// each chunk produces an independent partial result, and partials are
// handed back indexed by chunk so the caller merges them in chunk
// order.
package parallel

import (
	"runtime"
	"sync"
)

// Workers normalizes a requested worker count: zero or negative means
// GOMAXPROCS, and the count never exceeds the number of items.
func Workers(requested, items int) int {
	w := requested
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	if w > items {
		w = items
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Chunk is a half-open index range [Start, End) assigned to one worker.
type Chunk struct {
	Start, End int
}

// Split divides n items into at most workers contiguous chunks of
// near-equal size. Every item belongs to exactly one chunk and chunk
// order follows item order.
func Split(n, workers int) []Chunk {
	workers = Workers(workers, n)
	if n == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, workers)
	base := n / workers
	rem := n % workers
	start := 0
	for i := 0; i < workers; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks = append(chunks, Chunk{Start: start, End: start + size})
		start += size
	}
	return chunks
}

// MapChunks runs fn over each chunk of n items concurrently and
// returns the partial results indexed by chunk. The result order is
// fixed by the split, not by completion order, so a merge over the
// returned slice is deterministic.
func MapChunks[T any](n, workers int, fn func(c Chunk) T) []T {
	chunks := Split(n, workers)
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) == 1 {
		return []T{fn(chunks[0])}
	}

	results := make([]T, len(chunks))
	var wg sync.WaitGroup
	wg.Add(len(chunks))
	for i, c := range chunks {
		go func(i int, c Chunk) {
			defer wg.Done()
			results[i] = fn(c)
		}(i, c)
	}
	wg.Wait()
	return results
}

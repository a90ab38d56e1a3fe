package compile

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fusilli-go/fusilli/cache"
	"github.com/fusilli-go/fusilli/runtime"
)

// Job names one MLIR module to compile: a graph name for its cache
// bundle and the already-emitted textual input.
type Job struct {
	GraphName string
	ASM       string
}

// Result is one Job's outcome: the cached VM bytecode path on success.
type Result struct {
	GraphName string
	OutputPath string
	Err       error
}

// Batch compiles jobs concurrently, capped at concurrency in-flight
// compiles, returning one Result per job in jobs' order. It generalizes
// runtime/runtime.go's StreamScheduler from "bounded concurrent workers
// over a node's dependency groups" to "bounded concurrent workers over
// independent compile jobs" -- the one place in Fusilli's pipeline where
// multiple units of work are genuinely independent and safe to overlap,
// since graph.Graph.Execute below it is a single synchronous VM
// invocation per compiled module with no internal concurrency of its
// own (spec.md §5). Each Job gets its own compile.Command or
// compile.Session; FFI sessions share one process-wide compile.Context
// (GlobalContext) but hold independent per-session handles, the pattern
// compile_session.cc documents as safe for concurrent sessions against
// one context.
func Batch(handle runtime.Handle, jobs []Job, concurrency int, remove bool) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}
	if concurrency < 1 {
		concurrency = 1
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	g, ctx := errgroup.WithContext(context.Background())

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{GraphName: job.GraphName, Err: err}
				return nil
			}
			defer sem.Release(1)

			path, err := compileOne(handle, job, remove)
			results[i] = Result{GraphName: job.GraphName, OutputPath: path, Err: err}
			return nil
		})
	}
	// g.Wait's error is always nil: each goroutine reports its failure
	// in its own Result instead of aborting the others' in-flight work.
	_ = g.Wait()
	return results
}

func compileOne(handle runtime.Handle, job Job, remove bool) (string, error) {
	inputFile, err := cache.Create(job.GraphName, "input.mlir", remove)
	if err != nil {
		return "", err
	}
	if err := inputFile.Write(job.ASM); err != nil {
		return "", err
	}
	outputFile, err := cache.Create(job.GraphName, "output.vmfb", remove)
	if err != nil {
		return "", err
	}
	commandFile, err := cache.Create(job.GraphName, "command.txt", remove)
	if err != nil {
		return "", err
	}
	statsFile, err := cache.Create(job.GraphName, "statistics.json", remove)
	if err != nil {
		return "", err
	}

	if runtime.UseCLIDriver() {
		cmd, err := BuildCommand(handle, inputFile, outputFile, statsFile)
		if err != nil {
			return "", err
		}
		if err := cmd.WriteTo(commandFile); err != nil {
			return "", err
		}
		if err := cmd.Execute(); err != nil {
			return "", err
		}
		return outputFile.Path, nil
	}

	sess, err := BuildSession(handle, statsFile)
	if err != nil {
		return "", err
	}
	defer sess.Close()
	if err := sess.WriteTo(commandFile); err != nil {
		return "", err
	}
	if err := sess.Execute(inputFile.Path, outputFile.Path); err != nil {
		return "", err
	}
	return outputFile.Path, nil
}

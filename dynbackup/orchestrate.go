// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxExitCode is the largest aggregate exit code reported; process exit
// statuses are a single byte.
const MaxExitCode = 255

// WorkerResult records how one worker process finished.
type WorkerResult struct {
	Index    int
	Tables   int
	ExitCode int    // -1 if the process was signaled or never started
	Signal   string // set if the process was killed by a signal
	Err      error  // set if the process could not be started
	Elapsed  time.Duration
}

// Failed returns true if the worker did not exit cleanly.
func (w WorkerResult) Failed() bool {
	return w.ExitCode != 0 || w.Signal != "" || w.Err != nil
}

// RunResult is the aggregate result of every worker process.
type RunResult struct {
	Workers  []WorkerResult
	ExitCode int
	Elapsed  time.Duration
}

// Orchestrator runs one worker process per partition.  Each worker is handed
// a manifest file listing its tables; its output is copied to the
// orchestrator's own, one line at a time, prefixed with the worker number.
//
// Workers run independently: one failing does not stop the others.
type Orchestrator struct {
	Command     string                                          // Worker executable; defaults to the running binary
	Args        func(p Partition, manifestPath string) []string // Worker arguments
	Env         []string                                        // Extra environment variables for workers
	ManifestDir string                                          // Defaults to the system temp directory
	RunID       string                                          // Manifest name prefix; defaults to a random UUID
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *zap.Logger
}

// Run launches a worker for every non-empty partition and waits for all of
// them to exit.  The result's ExitCode is the sum of the workers' exit codes
// plus one for each worker that was signaled or failed to start, capped at
// MaxExitCode.  An error is returned only if the workers could not be set up.
func (o *Orchestrator) Run(ctx context.Context, partitions []Partition) (RunResult, error) {
	start := time.Now()
	logger := loggerOrNop(o.Logger)

	command := o.Command
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return RunResult{}, fmt.Errorf("failed to locate worker executable: %v", err)
		}
		command = exe
	}
	dir := o.ManifestDir
	if dir == "" {
		dir = os.TempDir()
	}
	runID := o.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	stdout := &lockedWriter{w: o.Stdout}
	stderr := &lockedWriter{w: o.Stderr}

	// write every manifest before launching anything
	manifests := make(map[int]string)
	for _, p := range partitions {
		if len(p.Tables) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-p%d.manifest", runID, p.Index))
		if err := writeManifestFile(path, p.Tables); err != nil {
			for _, m := range manifests {
				os.Remove(m)
			}
			return RunResult{}, err
		}
		manifests[p.Index] = path
	}

	var wg sync.WaitGroup
	results := make([]WorkerResult, len(partitions))
	for i, p := range partitions {
		results[i] = WorkerResult{Index: p.Index, Tables: len(p.Tables)}
		path, ok := manifests[p.Index]
		if !ok {
			logger.Info("Skipping empty partition", zap.Int("worker", p.Index))
			continue
		}
		fmt.Fprintf(stdout, "Launching P%d for %d tables from %s\n", p.Index, len(p.Tables), path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer os.Remove(path)
			results[i] = o.runWorker(ctx, command, p, path, stdout, stderr)
			r := results[i]
			if r.Signal != "" {
				fmt.Fprintf(stdout, "P%d killed by signal %s\n", p.Index, r.Signal)
			} else if r.Err != nil {
				fmt.Fprintf(stderr, "P%d failed to start: %v\n", p.Index, r.Err)
			} else {
				fmt.Fprintf(stdout, "P%d finished with code %d\n", p.Index, r.ExitCode)
			}
			logger.Info("Worker finished",
				zap.Int("worker", p.Index),
				zap.Int("exit_code", r.ExitCode),
				zap.String("signal", r.Signal),
				zap.Duration("elapsed", r.Elapsed))
		}()
	}
	wg.Wait()

	res := RunResult{Workers: results, Elapsed: time.Since(start)}
	res.ExitCode = AggregateExitCode(results)
	return res, nil
}

// AggregateExitCode sums the worker exit codes, counting each signaled or
// unstartable worker as 1, and caps the total at MaxExitCode.
func AggregateExitCode(results []WorkerResult) int {
	total := 0
	for _, r := range results {
		switch {
		case r.Signal != "" || r.Err != nil:
			total++
		case r.ExitCode > 0:
			total += r.ExitCode
		}
		if total >= MaxExitCode {
			return MaxExitCode
		}
	}
	return total
}

func (o *Orchestrator) runWorker(ctx context.Context, command string, p Partition, manifest string, stdout, stderr io.Writer) (result WorkerResult) {
	result = WorkerResult{Index: p.Index, Tables: len(p.Tables), ExitCode: -1}
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	var args []string
	if o.Args != nil {
		args = o.Args(p, manifest)
	}
	cmd := exec.CommandContext(ctx, command, args...)
	if len(o.Env) > 0 {
		cmd.Env = append(os.Environ(), o.Env...)
	}
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		result.Err = err
		return result
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		result.Err = err
		return result
	}
	if err := cmd.Start(); err != nil {
		result.Err = err
		return result
	}

	// the pipes must be drained before calling Wait
	var copyWG sync.WaitGroup
	copyWG.Add(2)
	go func() {
		defer copyWG.Done()
		copyPrefixed(stdout, outPipe, fmt.Sprintf("P%d: ", p.Index))
	}()
	go func() {
		defer copyWG.Done()
		copyPrefixed(stderr, errPipe, fmt.Sprintf("P%d ERR: ", p.Index))
	}()
	copyWG.Wait()

	err = cmd.Wait()
	state := cmd.ProcessState
	if state == nil {
		result.Err = err
		return result
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Signal = ws.Signal().String()
		return result
	}
	result.ExitCode = state.ExitCode()
	return result
}

func writeManifestFile(path string, entries []ManifestEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %v", err)
	}
	if err := WriteManifest(f, entries); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write manifest %s: %v", path, err)
	}
	return f.Close()
}

// copyPrefixed copies r to w a line at a time, adding prefix to each line.
func copyPrefixed(w io.Writer, r io.Reader, prefix string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(w, "%s%s\n", prefix, scanner.Text())
	}
	// drain anything left after an over long line so the worker doesn't block
	io.Copy(io.Discard, r)
}

// lockedWriter serializes writes from concurrent workers.  A nil writer
// discards output.
type lockedWriter struct {
	m sync.Mutex
	w io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	if lw.w == nil {
		return len(p), nil
	}
	lw.m.Lock()
	defer lw.m.Unlock()
	return lw.w.Write(p)
}

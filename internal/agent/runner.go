package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Request describes one agent invocation. All callbacks are invoked from
// the runner's own goroutines, never synchronously inside Start, so callers
// may hold locks across Start.
type Request struct {
	Prompt  string
	History []types.Turn
	Images  []types.Image
	// Raw passes the prompt through verbatim (content-analysis tasks).
	// Otherwise the conversational/voice prompt is assembled around it.
	Raw bool

	OnText     func(string)
	OnActivity func(types.ActivityEvent)
	OnPlan     func(types.Plan)
	OnError    func(string)
	OnComplete func(int)
}

// Handle exposes a started invocation: its OS pid, a kill switch, and a
// completion future resolving to the exit code.
type Handle interface {
	PID() int
	// Kill requests graceful termination. Idempotent; errors from an
	// already-exited process are swallowed.
	Kill()
	Done() <-chan int
}

// Runner spawns the external agent process and wires its output through
// the protocol decoder.
type Runner struct {
	// Binary overrides executable resolution when set.
	Binary string
	// ScratchDir holds staged image files; defaults to the OS temp dir.
	ScratchDir string
	// HistoryTurns caps the conversational history block.
	HistoryTurns int
	Plans        PlanDetector
	Logf         func(format string, args ...any)

	mu           sync.Mutex
	resolvedPath string
	resolvedErr  error
	resolvedAt   time.Time
}

// NewRunner returns a Runner with default plan detection thresholds.
func NewRunner() *Runner {
	return &Runner{HistoryTurns: DefaultHistoryTurns, Plans: DefaultPlanDetector()}
}

// Start launches one agent invocation. It never blocks on the process: a
// missing executable or spawn failure is reported asynchronously via
// OnError followed by OnComplete(1), and the returned handle has pid 0 and
// a no-op Kill.
func (r *Runner) Start(ctx context.Context, req Request) Handle {
	path, err := r.resolveAgentPath()
	if err != nil {
		return r.failedStart(req, err.Error())
	}

	imagePaths, imageDir, err := stageImages(r.ScratchDir, req.Images)
	if err != nil {
		return r.failedStart(req, fmt.Sprintf("stage images: %v", err))
	}

	prompt := buildPrompt(req, imagePaths, r.HistoryTurns)
	cmd := exec.CommandContext(ctx, path, agentArgs(prompt)...)
	// Empty stdin prevents a hang when the agent probes for a TTY, and
	// CLAUDECODE* vars would alter nested-invocation behavior.
	cmd.Stdin = strings.NewReader("")
	cmd.Env = slices.DeleteFunc(os.Environ(), func(e string) bool {
		return strings.HasPrefix(e, "CLAUDECODE")
	})

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeImageDir(imageDir)
		return r.failedStart(req, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeImageDir(imageDir)
		return r.failedStart(req, fmt.Sprintf("stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		removeImageDir(imageDir)
		return r.failedStart(req, fmt.Sprintf("start agent: %v", err))
	}

	proc := &process{pid: cmd.Process.Pid, cmd: cmd, done: make(chan int, 1)}

	dec := NewDecoder(func(ev types.ActivityEvent) {
		if ev.Kind == types.ActivityText && req.OnText != nil {
			req.OnText(ev.Text)
		}
		if req.OnActivity != nil {
			req.OnActivity(ev)
		}
	})
	dec.OnPlan = req.OnPlan
	dec.Plans = r.Plans
	dec.Logf = r.Logf

	var drain sync.WaitGroup
	drain.Add(2)

	go func() {
		defer drain.Done()
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if err != nil {
				dec.Close()
				return
			}
		}
	}()

	go func() {
		defer drain.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && req.OnError != nil {
				req.OnError(line)
			}
		}
	}()

	go func() {
		drain.Wait()
		err := cmd.Wait()
		removeImageDir(imageDir)
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = 1
		}
		if req.OnComplete != nil {
			req.OnComplete(code)
		}
		proc.done <- code
		close(proc.done)
	}()

	return proc
}

// failedStart reports a configuration or spawn failure without a process.
func (r *Runner) failedStart(req Request, message string) Handle {
	done := make(chan int, 1)
	go func() {
		if req.OnError != nil {
			req.OnError(message)
		}
		if req.OnComplete != nil {
			req.OnComplete(1)
		}
		done <- 1
		close(done)
	}()
	return &stubHandle{done: done}
}

// agentArgs selects streaming line-delimited JSON output with verbose tool
// detail, unattended permission handling, and no cross-invocation session
// state. Conversation continuity comes entirely from the history block.
func agentArgs(prompt string) []string {
	return []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--no-session-persistence",
	}
}

// stageImages writes attachments to a scratch directory. The directory is
// removed unconditionally when the process closes or errors.
func stageImages(scratchDir string, images []types.Image) ([]string, string, error) {
	if len(images) == 0 {
		return nil, "", nil
	}
	dir, err := os.MkdirTemp(scratchDir, "wtb-images-")
	if err != nil {
		return nil, "", err
	}
	paths := make([]string, 0, len(images))
	for i, img := range images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d.png", i+1)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, img.Data, 0o600); err != nil {
			removeImageDir(dir)
			return nil, "", err
		}
		paths = append(paths, path)
	}
	return paths, dir, nil
}

func removeImageDir(dir string) {
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

// process is the handle for a spawned agent.
type process struct {
	pid      int
	cmd      *exec.Cmd
	done     chan int
	killOnce sync.Once
}

func (p *process) PID() int { return p.pid }

func (p *process) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
}

func (p *process) Done() <-chan int { return p.done }

// stubHandle stands in when no process was spawned.
type stubHandle struct {
	done chan int
}

func (h *stubHandle) PID() int         { return 0 }
func (h *stubHandle) Kill()            {}
func (h *stubHandle) Done() <-chan int { return h.done }

package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/psantana5/yolotrain/pkg/logging"
)

// RequestFileName is written into the project directory before the command starts
const RequestFileName = "train_request.json"

const stderrTail = 4096

// Command runs an external training program. The program receives
// --request <file> and reports progress as JSON lines on stdout:
//
//	{"event":"train_start","total_epochs":100}
//	{"event":"epoch_end","epoch":1,"total_epochs":100,"metrics":{"train/box_loss":1.2}}
//	{"event":"log","message":"..."}
//
// Any other stdout line is treated as log output.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Logger *logging.Logger
}

type requestFile struct {
	Request
	TrainArgs map[string]interface{} `json:"train_args"`
}

type wireEvent struct {
	Event       string             `json:"event"`
	Epoch       int                `json:"epoch"`
	TotalEpochs int                `json:"total_epochs"`
	Metrics     map[string]float64 `json:"metrics"`
	Message     string             `json:"message"`
}

// Train runs the command to completion
func (c *Command) Train(ctx context.Context, req Request, cb Callbacks) error {
	if c.Path == "" {
		return fmt.Errorf("trainer command not configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithFields(map[string]interface{}{"component": "trainer", "job_id": req.JobID})

	reqPath := filepath.Join(req.ProjectDir, RequestFileName)
	body, err := json.MarshalIndent(requestFile{Request: req, TrainArgs: req.TrainArgs()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := os.WriteFile(reqPath, body, 0644); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	args := append(append([]string(nil), c.Args...), "--request", reqPath)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = req.ProjectDir
	cmd.Env = append(os.Environ(), c.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	logger.Info("Starting trainer", map[string]interface{}{"command": c.Path, "model": req.Model})
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	scanErr := scanEvents(stdout, cb, logger)
	waitErr := cmd.Wait()

	if waitErr != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("trainer exited: %w: %s", waitErr, tail)
		}
		return fmt.Errorf("trainer exited: %w", waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("failed to read trainer output: %w", scanErr)
	}
	return nil
}

func scanEvents(r io.Reader, cb Callbacks, logger *logging.Logger) error {
	logSink, _ := cb.(LogSink)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, msg, ok := parseLine(line)
		switch {
		case ev != nil:
			Dispatch(cb, ev)
		case ok && logSink != nil:
			logSink.OnLog(msg)
		default:
			logger.Debug(string(line))
		}
	}
	if err := scanner.Err(); err != nil {
		// drain so the process is not blocked on a full pipe
		io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// parseLine decodes one stdout line. It returns an event, or a log message
// with ok set, or neither for lines that should only be logged locally.
func parseLine(line []byte) (Event, string, bool) {
	if line[0] != '{' {
		return nil, string(line), true
	}
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, string(line), true
	}
	switch w.Event {
	case "train_start":
		return TrainStart{TotalEpochs: w.TotalEpochs}, "", false
	case "epoch_end":
		if w.Metrics == nil {
			w.Metrics = map[string]float64{}
		}
		return EpochEnd{Epoch: w.Epoch, TotalEpochs: w.TotalEpochs, Metrics: w.Metrics}, "", false
	case "log":
		return nil, w.Message, true
	default:
		return nil, "", false
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

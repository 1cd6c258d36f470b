package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/mattn/go-shellwords"
)

const maxLineBytes = 64 << 20

// ExecSpawner runs the inference host as a child process speaking one JSON
// envelope per line over stdin and stdout.
type ExecSpawner struct {
	args   []string
	logger *slog.Logger
	Stderr io.Writer
}

func NewExecSpawner(command string, logger *slog.Logger) (*ExecSpawner, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("inference command empty")
	}
	return &ExecSpawner{
		args:   args,
		logger: logger.With(slog.String("component", "exec-host")),
		Stderr: os.Stderr,
	}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The host outlives the request that started it, so it is not bound to ctx.
	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Stderr = s.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start inference host: %w", err)
	}
	s.logger.Info("inference host process started", slog.Int("pid", cmd.Process.Pid))

	conn := &execConn{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		msgs:   make(chan protocol.Envelope, 64),
		logger: s.logger,
	}
	go conn.readLoop(stdout)
	return conn, nil
}

type execConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	enc    *json.Encoder
	msgs   chan protocol.Envelope
	once   sync.Once
	logger *slog.Logger
}

func (c *execConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(env)
}

func (c *execConn) Messages() <-chan protocol.Envelope {
	return c.msgs
}

func (c *execConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			err = c.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
	})
	return err
}

func (c *execConn) readLoop(stdout io.Reader) {
	defer close(c.msgs)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("discarding malformed host output", slogError(err))
			continue
		}
		c.msgs <- env
	}
	if err := c.cmd.Wait(); err != nil {
		c.logger.Info("inference host process exited", slogError(err))
	}
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	// ErrNoSpeechEngine is returned when no local speech binary can be found.
	ErrNoSpeechEngine = errors.New("no local speech engine found (install espeak-ng or set a binary)")

	// ErrNotInitialized is the cause attached to Process failures on an
	// adapter that was never initialized or has been cleaned up.
	ErrNotInitialized = errors.New("adapter not initialized")
)

// speechBinaries are probed in order when no binary is configured.
var speechBinaries = []string{"espeak-ng", "espeak", "say", "spd-say"}

// CommandSpeaker runs a local speech binary per utterance. Speak starts the
// process and returns; a goroutine reaps it.
type CommandSpeaker struct {
	binary string
	path   string

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
	wg      sync.WaitGroup
	closed  bool
}

var _ Speaker = (*CommandSpeaker)(nil)

// NewCommandSpeaker resolves binary on PATH, or the first known engine when
// binary is empty.
func NewCommandSpeaker(binary string) (*CommandSpeaker, error) {
	candidates := speechBinaries
	if binary != "" {
		candidates = []string{binary}
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return &CommandSpeaker{
				binary:  filepath.Base(c),
				path:    p,
				running: make(map[*exec.Cmd]struct{}),
			}, nil
		}
	}
	return nil, ErrNoSpeechEngine
}

// Available implements Speaker.
func (s *CommandSpeaker) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Speak implements Speaker.
func (s *CommandSpeaker) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args := commandArgs(s.binary, text, opts)
	// The process outlives the request context; Close stops anything
	// still speaking.
	cmd := exec.Command(s.path, args...) //nolint:gosec
	if opts.Streaming && s.binary != "say" {
		cmd.Stdin = strings.NewReader(text)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("speaker closed")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("unable to start %s: %w", s.binary, err)
	}
	s.running[cmd] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := cmd.Wait(); err != nil {
			log.Debug("Speech process exited", "binary", s.binary, "err", err)
		}
		s.mu.Lock()
		delete(s.running, cmd)
		s.mu.Unlock()
	}()
	return nil
}

// Close kills running utterances and waits for them to exit.
func (s *CommandSpeaker) Close() error {
	s.mu.Lock()
	s.closed = true
	for cmd := range s.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// commandArgs maps speech options onto the flags of known engines.
func commandArgs(binary, text string, opts SpeakOptions) []string {
	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}
	var args []string
	switch binary {
	case "espeak-ng", "espeak":
		if opts.Voice != "" {
			args = append(args, "-v", opts.Voice)
		}
		args = append(args,
			"-s", strconv.Itoa(int(175*speed)),
			"-p", strconv.Itoa(clamp(int(50+opts.Pitch*50), 0, 99)),
		)
		if opts.Volume > 0 {
			args = append(args, "-a", strconv.Itoa(clamp(int(100*opts.Volume), 0, 200)))
		}
		if opts.Streaming {
			args = append(args, "--stdin")
			return args
		}
	case "say":
		if opts.Voice != "" {
			args = append(args, "-v", opts.Voice)
		}
		args = append(args, "-r", strconv.Itoa(int(175*speed)))
	case "spd-say":
		args = append(args, "-r", strconv.Itoa(clamp(int((speed-1)*100), -100, 100)))
		if opts.Voice != "" {
			args = append(args, "-l", opts.Voice)
		}
		if opts.Streaming {
			return append(args, "-e")
		}
	default:
		if opts.Streaming {
			return args
		}
		return append(args, text)
	}
	// Text starting with "-" must not be read as an option.
	return append(args, "--", text)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package compose produces message text for each delivery.
package compose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrNoMessages = errors.New("no messages configured")

// Rand is the subset of *rand.Rand used for picking.
type Rand interface {
	Intn(n int) int
}

// Rotation picks a random message from an inline list plus an optional
// messages file, never returning the same message twice in a row when more
// than one is available.
//
// The file holds one message per paragraph (blank-line separated); lines
// starting with '#' are comments. It is re-read when its modification time
// changes, so edits apply without a restart.
type Rotation struct {
	mu     sync.Mutex
	inline []string
	path   string
	rng    Rand

	fileMsgs []string
	fileMod  time.Time
	fileSize int64
	last     string
}

func NewRotation(list []string, path string, rng Rand) *Rotation {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var inline []string
	for _, m := range list {
		if m = strings.TrimSpace(m); m != "" {
			inline = append(inline, m)
		}
	}
	return &Rotation{inline: inline, path: strings.TrimSpace(path), rng: rng}
}

func (r *Rotation) Compose(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return "", err
	}
	all := make([]string, 0, len(r.inline)+len(r.fileMsgs))
	all = append(all, r.inline...)
	all = append(all, r.fileMsgs...)
	if len(all) == 0 {
		return "", ErrNoMessages
	}

	candidates := make([]string, 0, len(all))
	for _, m := range all {
		if m != r.last {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		candidates = all
	}
	pick := candidates[r.rng.Intn(len(candidates))]
	r.last = pick
	return pick, nil
}

// Count returns the number of messages currently available.
func (r *Rotation) Count() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return 0, err
	}
	return len(r.inline) + len(r.fileMsgs), nil
}

func (r *Rotation) refreshLocked() error {
	if r.path == "" {
		return nil
	}
	fi, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("messages file: %w", err)
	}
	if fi.ModTime().Equal(r.fileMod) && fi.Size() == r.fileSize && r.fileMsgs != nil {
		return nil
	}
	msgs, err := ReadMessagesFile(r.path)
	if err != nil {
		return err
	}
	r.fileMsgs = msgs
	r.fileMod = fi.ModTime()
	r.fileSize = fi.Size()
	return nil
}

// ReadMessagesFile parses a messages file.
func ReadMessagesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("messages file: %w", err)
	}
	defer f.Close()

	out := []string{}
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur = cur[:0]
		}
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		switch {
		case strings.HasPrefix(strings.TrimSpace(line), "#"):
			continue
		case strings.TrimSpace(line) == "":
			flush()
		default:
			cur = append(cur, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("messages file: %w", err)
	}
	flush()
	return out, nil
}

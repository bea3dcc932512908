// Package camera reads JPEG frames from an external capture process that
// writes an MJPEG stream to stdout.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const maxFrameSize = 4 << 20

var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// ErrNoFrame is returned by Read when no new frame arrived in time.
var ErrNoFrame = errors.New("no camera frame")

// defaultFrameTimeout is three frame periods at 30 Hz.
const defaultFrameTimeout = 100 * time.Millisecond

// SplitJPEG is a bufio.SplitFunc returning one complete JPEG per token.
// Bytes before a start of image marker are dropped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xff, it may start the next marker
		if n := len(data); n > 0 && data[n-1] == 0xff {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(soi) + end + len(eoi)
	return stop, data[start:stop], nil
}

type process struct {
	stdout io.ReadCloser
	stop   func() error
}

// to allow testing
var startProcess = func(argv []string) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty camera command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "unable to start %s", argv[0])
	}
	return &process{
		stdout: stdout,
		stop: func() error {
			_ = cmd.Process.Kill()
			return cmd.Wait()
		},
	}, nil
}

// Camera keeps the capture process running and hands out the newest frame.
type Camera struct {
	argv         []string
	frameTimeout time.Duration

	mu       sync.Mutex
	proc     *process
	frame    []byte
	seq      uint64
	readSeq  uint64
	newFrame chan struct{}
}

func New(argv []string) *Camera {
	return &Camera{
		argv:         argv,
		frameTimeout: defaultFrameTimeout,
		newFrame:     make(chan struct{}),
	}
}

func (c *Camera) Name() string {
	return "camera"
}

func (c *Camera) Open() error {
	p, err := startProcess(c.argv)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()
	log.WithField("command", strings.Join(c.argv, " ")).Info("camera started")
	return nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	_ = p.stdout.Close()
	if p.stop != nil {
		// the process is killed, its exit status is of no interest
		_ = p.stop()
	}
	return nil
}

// Start splits frames from the process output until it ends or ctx is done.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil {
		return errors.New("camera not open")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	scanner.Split(SplitJPEG)
	for scanner.Scan() {
		c.publish(scanner.Bytes())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "camera stream failed")
	}
	return errors.New("camera process exited")
}

func (c *Camera) publish(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = append(c.frame[:0:0], frame...)
	c.seq++
	close(c.newFrame)
	c.newFrame = make(chan struct{})
}

// Read returns the newest frame not yet returned, waiting up to the frame
// timeout for one to arrive.
func (c *Camera) Read(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(c.frameTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.seq > c.readSeq {
			c.readSeq = c.seq
			frame := c.frame
			c.mu.Unlock()
			return frame, nil
		}
		wait := c.newFrame
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoFrame
		}
	}
}

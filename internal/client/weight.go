package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultScaleDelay    = 2 * time.Second
	DefaultScaleVariance = 30.0
)

var ErrScaleClosed = errors.New("scale stream closed")

// WeightRequest describes the reading the server is waiting for. Expected
// is a magnitude in grams for both additions and removals.
type WeightRequest struct {
	Barcode  string
	Quantity int
	Expected float64
	Removal  bool
}

type WeightSource interface {
	Measure(ctx context.Context, req WeightRequest) (float64, error)
}

// SimulatedScale answers after Delay with the expected weight plus uniform
// noise in [-Variance, +Variance].
type SimulatedScale struct {
	delay    time.Duration
	variance float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedScale(delay time.Duration, variance float64, rnd *rand.Rand) *SimulatedScale {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedScale{delay: delay, variance: variance, rnd: rnd}
}

func (s *SimulatedScale) Measure(ctx context.Context, req WeightRequest) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(s.delay):
	}

	s.mu.Lock()
	noise := (s.rnd.Float64()*2 - 1) * s.variance
	s.mu.Unlock()

	w := req.Expected + noise
	if w < 0 {
		w = 0
	}
	return w, nil
}

// SerialScale reads newline-delimited gram values from a scale bridge such
// as a serial device or a pipe. Each Measure takes the next value; the
// bridge is not read while nobody is measuring.
type SerialScale struct {
	readings chan float64
	errs     chan error
}

func NewSerialScale(r io.Reader) *SerialScale {
	s := &SerialScale{
		readings: make(chan float64),
		errs:     make(chan error, 1),
	}
	go s.readLoop(r)
	return s
}

func (s *SerialScale) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimSuffix(sc.Text(), "g"))
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil || v < 0 {
			continue
		}
		s.readings <- v
	}
	err := sc.Err()
	if err == nil {
		err = ErrScaleClosed
	}
	s.errs <- err
}

func (s *SerialScale) Measure(ctx context.Context, _ WeightRequest) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case v := <-s.readings:
		return v, nil
	case err := <-s.errs:
		// keep reporting the terminal error to later callers
		s.errs <- err
		return 0, fmt.Errorf("read scale: %w", err)
	}
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Defaults for the send pump. The chunk size keeps individual SCTP
// messages small, the watermarks bound how far the sender runs ahead of
// the network.
const (
	DefaultChunkSize     = 64 * 1024
	DefaultLowWaterMark  = 1 << 20
	DefaultHighWaterMark = 8 << 20
)

// suspendRecheckInterval bounds how long the pump stays parked after the
// channel dies. A closed channel never fires its drain callback, so the
// suspension wait re-inspects the channel on a timer.
const suspendRecheckInterval = 250 * time.Millisecond

var (
	// ErrChannelNotOpen is returned when a transfer is started on a
	// channel that is not (or no longer) able to carry data.
	ErrChannelNotOpen = errors.New("transfer: channel not open")

	// ErrInvalidSize is returned when the declared file size is not a
	// positive byte count.
	ErrInvalidSize = errors.New("transfer: declared size must be positive")
)

// Channel is the slice of the peer transport the engine needs. It is
// satisfied by *peerchannel.Channel.
type Channel interface {
	IsOpen() bool
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(fn func())
}

// Sender streams one file at a time over a channel. It is not safe for
// concurrent Send calls.
type Sender struct {
	ch         Channel
	chunkSize  int64
	lowWater   uint64
	highWater  uint64
	onProgress func(percent int)
}

// SenderOption adjusts a Sender beyond its defaults.
type SenderOption func(*Sender)

// WithChunkSize overrides the per-message chunk size.
func WithChunkSize(n int64) SenderOption {
	return func(s *Sender) { s.chunkSize = n }
}

// WithWatermarks overrides the buffered-amount thresholds the pump
// suspends and resumes at.
func WithWatermarks(low, high uint64) SenderOption {
	return func(s *Sender) {
		s.lowWater = low
		s.highWater = high
	}
}

// WithProgress registers a callback invoked with the whole percent of
// bytes handed to the channel so far. Values never decrease and reach
// 100 exactly when the last chunk has been sent.
func WithProgress(fn func(percent int)) SenderOption {
	return func(s *Sender) { s.onProgress = fn }
}

// NewSender builds a Sender over ch.
func NewSender(ch Channel, opts ...SenderOption) *Sender {
	s := &Sender{
		ch:        ch,
		chunkSize: DefaultChunkSize,
		lowWater:  DefaultLowWaterMark,
		highWater: DefaultHighWaterMark,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send streams meta.Size bytes from r to the peer: the META control
// message, the chunks, then DONE. It blocks until the transfer is fully
// handed to the channel, the context is canceled, or the channel fails.
func (s *Sender) Send(ctx context.Context, meta Meta, r io.Reader) error {
	if meta.Size <= 0 {
		return ErrInvalidSize
	}
	if !s.ch.IsOpen() {
		return ErrChannelNotOpen
	}

	header, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	// A one-slot channel holds the wakeup so a drain that fires between
	// the buffered-amount check and the wait is never lost.
	resume := make(chan struct{}, 1)
	s.ch.SetBufferedAmountLowThreshold(s.lowWater)
	s.ch.OnBufferedAmountLow(func() {
		select {
		case resume <- struct{}{}:
		default:
		}
	})
	defer s.ch.OnBufferedAmountLow(nil)

	if err := s.ch.SendText(header); err != nil {
		return fmt.Errorf("send meta: %w", err)
	}

	recheck := time.NewTicker(suspendRecheckInterval)
	defer recheck.Stop()

	var sent int64
	for sent < meta.Size {
		for s.ch.BufferedAmount() >= s.highWater {
			if !s.ch.IsOpen() {
				return ErrChannelNotOpen
			}
			select {
			case <-resume:
			case <-recheck.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n := s.chunkSize
		if remaining := meta.Size - sent; remaining < n {
			n = remaining
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("read chunk at offset %d: %w", sent, err)
		}
		if err := s.ch.Send(chunk); err != nil {
			return fmt.Errorf("send chunk at offset %d: %w", sent, err)
		}
		sent += n
		if s.onProgress != nil {
			s.onProgress(int(sent * 100 / meta.Size))
		}
	}

	if err := s.ch.SendText(encodeDone()); err != nil {
		return fmt.Errorf("send done: %w", err)
	}
	return nil
}

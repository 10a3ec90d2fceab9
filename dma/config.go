package dma

import (
	"errors"
	"time"
)

var (
	ErrRingTooSmall      = errors.New("ring size must be >= 4")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= RxRingSize + TxRingSize")
	ErrFrameTooSmall     = errors.New("FrameSize must be >= 64")
)

const (
	DefaultRingSize        = 256
	DefaultCopyBreak       = 256
	DefaultTxCoalesce      = 16
	DefaultTxCoalesceTimer = time.Millisecond
	DefaultBudget          = 64
	DefaultNumFrames       = 1024
	DefaultFrameSize       = 2048
	DefaultTxThreshold     = 64
	MaxTxThreshold         = 256

	minRingSize  = 4
	minFrameSize = 64
)

// Config holds the tunables of one engine. The zero value of a field
// selects its default.
type Config struct {
	// RxRingSize and TxRingSize set the number of descriptors per ring.
	RxRingSize int `yaml:"rx-ring-size"`
	TxRingSize int `yaml:"tx-ring-size"`

	// CopyBreak is the frame length below which received frames are copied
	// into a fresh buffer and the posted buffer is reused. Negative
	// disables copying.
	CopyBreak int `yaml:"copy-break"`

	// TxCoalesce is the number of packets queued per completion interrupt
	// request.
	TxCoalesce int `yaml:"tx-coalesce"`
	// TxCoalesceTimer bounds how long completed packets wait for reclaim
	// when no interrupt was requested. Negative disables the timer.
	TxCoalesceTimer time.Duration `yaml:"tx-coalesce-timer"`
	// TxStopThreshold stops the queue once free descriptors drop to this
	// value; the queue wakes when reclaim frees more than it.
	TxStopThreshold int `yaml:"tx-stop-threshold"`

	// Budget is the number of receive descriptors processed per poll.
	Budget int `yaml:"budget"`

	// NumFrames and FrameSize size the buffer pool.
	NumFrames int `yaml:"num-frames"`
	FrameSize int `yaml:"frame-size"`

	// TxThreshold is the initial transmit FIFO threshold in bytes.
	TxThreshold int `yaml:"tx-threshold"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRingSize
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultRingSize
	}
	if c.CopyBreak == 0 {
		c.CopyBreak = DefaultCopyBreak
	}
	if c.TxCoalesce <= 0 {
		c.TxCoalesce = DefaultTxCoalesce
	}
	if c.TxCoalesceTimer == 0 {
		c.TxCoalesceTimer = DefaultTxCoalesceTimer
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.TxThreshold == 0 {
		c.TxThreshold = DefaultTxThreshold
	}
	if c.RxRingSize < minRingSize || c.TxRingSize < minRingSize {
		return ErrRingTooSmall
	}
	if c.NumFrames < c.RxRingSize+c.TxRingSize {
		return ErrNumFramesTooSmall
	}
	if c.FrameSize < minFrameSize {
		return ErrFrameTooSmall
	}
	if c.TxStopThreshold < 0 || c.TxStopThreshold >= c.TxRingSize-1 {
		c.TxStopThreshold = 0
	}
	c.TxThreshold = min(c.TxThreshold, MaxTxThreshold)
	return nil
}

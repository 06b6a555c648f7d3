package util

import (
	"context"
	"errors"
	"time"
)

// BlockingCell is a one-shot container whose Get blocks until Set.
type BlockingCell struct {
	valueChan chan interface{}
	set       bool
}

// NewBlockingCell creates a new, unset blocking cell.
func NewBlockingCell() *BlockingCell {
	return &BlockingCell{
		valueChan: make(chan interface{}, 1),
	}
}

// Set stores the value. A second call fails: the cell is one-shot.
func (c *BlockingCell) Set(value interface{}) error {
	if c.set {
		return errors.New("cell already set")
	}
	c.set = true
	c.valueChan <- value
	return nil
}

// Get blocks until a value is set.
func (c *BlockingCell) Get() interface{} {
	return <-c.valueChan
}

// GetWithTimeout blocks until a value is set or the timeout elapses.
func (c *BlockingCell) GetWithTimeout(timeout time.Duration) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-time.After(timeout):
		return nil, errors.New("timeout")
	}
}

// GetWithContext blocks until a value is set or ctx is done.
func (c *BlockingCell) GetWithContext(ctx context.Context) (interface{}, error) {
	select {
	case value := <-c.valueChan:
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

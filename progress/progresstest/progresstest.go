// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package progresstest provides a recording progress.Client for unit tests
package progresstest

import (
	"sync"
	"time"
)

// Client records the descriptions and outcomes it is notified about
type Client struct {
	mu       sync.Mutex
	Descs    []string
	Outcomes []string
}

// Desc implements progress.Client
func (c *Client) Desc(desc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Descs = append(c.Descs, desc)
}

// Partial implements progress.Client
func (c *Client) Partial(total int, step int) {}

// Step implements progress.Client
func (c *Client) Step() {}

// Success implements progress.Client
func (c *Client) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Outcomes = append(c.Outcomes, "success")
}

// Failure implements progress.Client
func (c *Client) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Outcomes = append(c.Outcomes, "failure")
}

// LoopWaitDuration implements progress.Client
func (c *Client) LoopWaitDuration() time.Duration {
	return time.Millisecond
}

// Package id generates the identifier families used across the server:
// connection ids, session ids, confirmation step ids, and agent run ids.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers under a configurable strategy.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewConnectionID generates an identifier for a WebSocket connection.
func NewConnectionID() string {
	return defaultGenerator.newIdentifier("conn")
}

// NewSessionID generates an identifier for an agent session.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("session")
}

// NewStepID generates an identifier correlating a user_confirm emission with
// its user.response.
func NewStepID() string {
	return defaultGenerator.newIdentifier("step")
}

// NewRunID generates an identifier for one agent run.
func NewRunID() string {
	return defaultGenerator.newIdentifier("run")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

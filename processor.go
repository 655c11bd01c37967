package oasis

import (
	"context"
	"fmt"
)

// PreProcessor runs before messages are sent to the LLM. Implementations
// can modify the request or return an error to halt the turn. Return
// ErrHalt to short-circuit with a canned response. Must be safe for
// concurrent use.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *ChatRequest) error
}

// PostProcessor runs after the LLM responds. Implementations can modify
// the response or return an error to halt the turn. Return ErrHalt to
// short-circuit with a canned response. Must be safe for concurrent use.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp *ChatResponse) error
}

// ErrHalt signals that a processor wants to stop the turn and reply with a
// specific canned Response instead of the LM's own output.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ProcessorChain holds an ordered list of guards and runs them at each hook
// point. Guards are bucketed by interface at Add time, so RunPreLLM/RunPostLLM
// only range over the ones that implement that hook.
type ProcessorChain struct {
	pre  []PreProcessor
	post []PostProcessor
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a guard to the chain. g must implement at least one of
// PreProcessor or PostProcessor. Panics otherwise.
func (c *ProcessorChain) Add(g any) {
	pre, isPre := g.(PreProcessor)
	post, isPost := g.(PostProcessor)
	if !isPre && !isPost {
		panic(fmt.Sprintf("oasis: processor %T implements neither PreProcessor nor PostProcessor", g))
	}
	if isPre {
		c.pre = append(c.pre, pre)
	}
	if isPost {
		c.post = append(c.post, post)
	}
}

// RunPreLLM runs all PreProcessor hooks in registration order, stopping at
// the first non-nil error.
func (c *ProcessorChain) RunPreLLM(ctx context.Context, req *ChatRequest) error {
	for _, p := range c.pre {
		if err := p.PreLLM(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunPostLLM runs all PostProcessor hooks in registration order, stopping
// at the first non-nil error.
func (c *ProcessorChain) RunPostLLM(ctx context.Context, resp *ChatResponse) error {
	for _, p := range c.post {
		if err := p.PostLLM(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

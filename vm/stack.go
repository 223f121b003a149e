package vm

import (
	"errors"

	"github.com/sunlidong/iotchain/word256"
)

var (
	ErrStackUnderflow = errors.New("stack underflow")
	ErrStackOverflow  = errors.New("stack overflow")
)

// Stack is the interpreter's operand stack of 256-bit words, bounded by the
// configured limit.
type Stack struct {
	items []word256.Word256
	limit int
}

func NewStack(limit int) *Stack {
	return &Stack{items: make([]word256.Word256, 0, 16), limit: limit}
}

func (s *Stack) Len() int { return len(s.items) }

func (s *Stack) Push(w word256.Word256) error {
	if len(s.items) >= s.limit {
		return ErrStackOverflow
	}
	s.items = append(s.items, w)
	return nil
}

func (s *Stack) Pop() (word256.Word256, error) {
	if len(s.items) == 0 {
		return word256.Zero, ErrStackUnderflow
	}
	w := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return w, nil
}

// Pop2 and Pop3 pop operands in order: the first return was the top of stack.
func (s *Stack) Pop2() (word256.Word256, word256.Word256, error) {
	a, err := s.Pop()
	if err != nil {
		return a, word256.Zero, err
	}
	b, err := s.Pop()
	return a, b, err
}

func (s *Stack) Pop3() (word256.Word256, word256.Word256, word256.Word256, error) {
	a, b, err := s.Pop2()
	if err != nil {
		return a, b, word256.Zero, err
	}
	c, err := s.Pop()
	return a, b, c, err
}

// Dup pushes a copy of the n-th element from the top (1-based).
func (s *Stack) Dup(n int) error {
	if len(s.items) < n {
		return ErrStackUnderflow
	}
	return s.Push(s.items[len(s.items)-n])
}

// Swap exchanges the top with the n-th element below it (1-based).
func (s *Stack) Swap(n int) error {
	if len(s.items) < n+1 {
		return ErrStackUnderflow
	}
	top := len(s.items) - 1
	s.items[top], s.items[top-n] = s.items[top-n], s.items[top]
	return nil
}

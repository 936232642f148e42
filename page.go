package mailbridge

import (
	"fmt"
	"math"
)

// Window is a half-open index range [Start, End).
type Window struct {
	Start int
	End   int
}

// Len returns the number of positions in the window.
func (w Window) Len() int { return w.End - w.Start }

// Empty reports whether the window selects nothing.
func (w Window) Empty() bool { return w.End <= w.Start }

// NewWindow computes the window for a 1-based page over total items.
// A page past the end yields an empty window at total, not an error.
func NewWindow(pageNumber, pageSize, total int) (Window, error) {
	if err := validatePage(pageNumber, pageSize); err != nil {
		return Window{}, err
	}
	if total < 0 {
		return Window{}, &ValidationError{Field: "total", Message: "must not be negative"}
	}
	start := (pageNumber - 1) * pageSize
	if start >= total {
		return Window{Start: total, End: total}, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return Window{Start: start, End: end}, nil
}

// pageWindow computes the window for a page without a known total.
func pageWindow(pageNumber, pageSize int) (Window, error) {
	if err := validatePage(pageNumber, pageSize); err != nil {
		return Window{}, err
	}
	start := (pageNumber - 1) * pageSize
	return Window{Start: start, End: start + pageSize}, nil
}

func validatePage(pageNumber, pageSize int) error {
	if pageNumber < 1 {
		return &ValidationError{Field: "pageNumber", Message: fmt.Sprintf("must be at least 1, got %d", pageNumber)}
	}
	if pageSize < 1 {
		return &ValidationError{Field: "pageSize", Message: fmt.Sprintf("must be at least 1, got %d", pageSize)}
	}
	if pageNumber-1 > (math.MaxInt-pageSize)/pageSize {
		return &ValidationError{Field: "pageNumber", Message: "out of range"}
	}
	return nil
}

package dispatch

import "fmt"

// BadRequestError marks a failure the caller caused: missing mandatory
// fields, or a query nothing usable could be extracted from. The API maps
// it to 400 and retains no partial execution.
type BadRequestError struct {
	Detail string
}

func (e *BadRequestError) Error() string { return e.Detail }

// UpstreamError marks a failure of the LLM or vector-store backends during
// the dispatch preamble. The API maps it to 502; the whole request fails.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *UpstreamError) Unwrap() error { return e.Err }

package webhook

import "fmt"

// TransportError indicates the webhook could not be reached or returned a
// response that never made it through intact (connection failure, timeout,
// 5xx, truncated body). Transport errors are retried with backoff before
// being surfaced.
type TransportError struct {
	Action string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("webhook transport error for action %q: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AppError indicates the remote received the request and explicitly rejected
// it. Application errors are never retried.
type AppError struct {
	Action  string
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("webhook rejected action %q: %s", e.Action, e.Message)
}

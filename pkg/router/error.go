package router

import "fmt"

// JsonError is the body of every error response.
// Cause is kept for logging and errors.Is; it never reaches the client.
type JsonError struct {
	Code  int    `json:"code"`
	Err   string `json:"error"`
	Cause error  `json:"-"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// WrapJsonError answers with msg while keeping the underlying error.
func WrapJsonError(code int, msg string, cause error) JsonError {
	return JsonError{
		Code:  code,
		Err:   msg,
		Cause: cause,
	}
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	if e.Cause == nil {
		return e.Err
	}
	return fmt.Sprintf("%s: %v", e.Err, e.Cause)
}

func (e JsonError) Unwrap() error {
	return e.Cause
}

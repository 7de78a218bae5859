package ingest

// ValidationError is a client-correctable request problem (HTTP 400).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// TooLargeError is a payload over the configured ceilings (HTTP 413).
type TooLargeError struct {
	Msg string
}

func (e *TooLargeError) Error() string { return e.Msg }

package scgipie

// Fallback returns a handler that answers every request with a 500 and logs
// reason to the request error stream. It stands in for an application that
// could not be loaded.
func Fallback(reason error) Handler {
	return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
		req.Errors.Printf("application unavailable: %v", reason)
		return Text(rw, 500, "Internal Server Error\n")
	})
}

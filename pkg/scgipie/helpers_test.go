package scgipie

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// frame encodes name/value pairs as an SCGI header netstring.
func frame(pairs ...string) string {
	var block strings.Builder
	for _, p := range pairs {
		block.WriteString(p)
		block.WriteByte(0)
	}
	return strconv.Itoa(block.Len()) + ":" + block.String() + ","
}

func get(path string, extra ...string) string {
	pairs := append([]string{
		"CONTENT_LENGTH", "0",
		"SCGI", "1",
		"REQUEST_METHOD", "GET",
		"PATH_INFO", path,
		"SERVER_NAME", "example.com",
	}, extra...)
	return frame(pairs...)
}

func testConfig() Config {
	return Config{Logger: newSilentLogger()}
}

// run serves one request through a real session and returns the raw output
// along with the session error.
func run(t *testing.T, h Handler, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := RunOnce(context.Background(), strings.NewReader(input), &out, h, testConfig())
	return out.String(), err
}

type response struct {
	status  string
	headers map[string]string
	body    string
}

func parseResponse(t *testing.T, raw string) response {
	t.Helper()
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok, "no header terminator in %q", raw)

	lines := strings.Split(head, "\r\n")
	status, ok := strings.CutPrefix(lines[0], "Status: ")
	require.True(t, ok, "no status line in %q", raw)

	resp := response{status: status, headers: map[string]string{}, body: body}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ": ")
		require.True(t, ok, "bad header line %q", line)
		resp.headers[name] = value
	}
	return resp
}

func serveOK(t *testing.T, h Handler, input string) response {
	t.Helper()
	raw, err := run(t, h, input)
	require.NoError(t, err)
	return parseResponse(t, raw)
}

func textHandler(text string) Handler {
	return HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		return Text(rw, 200, text)
	})
}

package scgi

import "strings"

// Environ keys with special handling.
const (
	KeyContentLength = "CONTENT_LENGTH"
	KeyContentType   = "CONTENT_TYPE"
	KeyRequestMethod = "REQUEST_METHOD"
	KeyRequestURI    = "REQUEST_URI"
	KeyPathInfo      = "PATH_INFO"
	KeyQueryString   = "QUERY_STRING"
	KeyScriptName    = "SCRIPT_NAME"
	KeyServerName    = "SERVER_NAME"
	KeyServerProto   = "SERVER_PROTOCOL"
	KeyHost          = "HTTP_HOST"
	KeyHTTPS         = "HTTPS"
	// KeyURLScheme is not sent by front ends; it is derived from HTTPS.
	KeyURLScheme = "scgi.url_scheme"
)

// Environ is the name to value mapping handed to applications.
type Environ map[string]string

// NewEnviron builds the environment for a frame. Values are copied, so the
// result outlives the input buffer.
func NewEnviron(f *Frame) Environ {
	env := Environ{
		KeyScriptName:    "",
		KeyRequestMethod: "GET",
		KeyPathInfo:      "",
		KeyQueryString:   "",
		KeyServerProto:   "HTTP/1.1",
	}

	https := false
	var sawPath, sawQuery bool
	for _, kv := range f.Pairs {
		name, value := string(kv[0]), string(kv[1])
		switch name {
		case KeyHTTPS:
			https = value != "0" && !strings.EqualFold(value, "off")
			env[name] = value
		case "HTTP_CONTENT_TYPE":
			env[KeyContentType] = value
		case "HTTP_CONTENT_LENGTH", KeyContentLength:
			env[KeyContentLength] = value
		case KeyHost:
			env[KeyServerName] = value
			env[name] = value
		case KeyPathInfo:
			sawPath = true
			env[name] = value
		case KeyQueryString:
			sawQuery = true
			env[name] = value
		default:
			env[name] = value
		}
	}

	if uri, ok := env[KeyRequestURI]; ok && (!sawPath || !sawQuery) {
		path, query, _ := strings.Cut(uri, "?")
		if !sawPath {
			env[KeyPathInfo] = path
		}
		if !sawQuery {
			env[KeyQueryString] = query
		}
	}

	if https {
		env[KeyURLScheme] = "https"
	} else {
		env[KeyURLScheme] = "http"
	}
	return env
}

// Get returns the value for key, or "" when unset.
func (e Environ) Get(key string) string { return e[key] }

// Method returns REQUEST_METHOD.
func (e Environ) Method() string { return e[KeyRequestMethod] }

// Path returns PATH_INFO.
func (e Environ) Path() string { return e[KeyPathInfo] }

// Header returns the value of the HTTP request header name, looking it up
// under its HTTP_ form. Content-Type and Content-Length map to their bare keys.
func (e Environ) Header(name string) string {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	switch key {
	case KeyContentType, KeyContentLength:
		return e[key]
	}
	return e["HTTP_"+key]
}

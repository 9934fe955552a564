package tool

import (
	"context"
	"fmt"
	"strings"
)

// httpRequestRaw accepts a flat curl-style argument list for invocations
// the structured http_request shape cannot express. Only the argument
// forms the policy actually produces are recognized; anything else is
// rejected rather than guessed at.
func (l *Layer) httpRequestRaw(ctx context.Context, args []string) (*Result, error) {
	method := ""
	headers := make(map[string]string)
	body := ""
	url := ""

	i := 0
	for i < len(args) {
		arg := args[i]
		switch {
		case arg == "-X" || arg == "--request":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			method = args[i+1]
			i += 2
		case arg == "-H" || arg == "--header":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			name, value, ok := strings.Cut(args[i+1], ":")
			if !ok {
				return nil, fmt.Errorf("malformed header %q", args[i+1])
			}
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
			i += 2
		case arg == "-d" || arg == "--data" || arg == "--data-binary":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			body = args[i+1]
			if method == "" {
				method = "POST"
			}
			i += 2
		case arg == "-k" || arg == "--insecure" || arg == "-s" || arg == "-sS" || arg == "-L":
			// curl habits the policy carries over; harmless here.
			i++
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unsupported argument %q", arg)
		default:
			if url != "" {
				return nil, fmt.Errorf("multiple URLs in argument list (%q and %q)", url, arg)
			}
			url = arg
			i++
		}
	}

	if url == "" {
		return nil, fmt.Errorf("argument list contains no URL")
	}

	return l.httpRequest(ctx, method, url, headers, body)
}

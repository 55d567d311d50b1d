package rest

import (
	"mime"
	"net/http"
	"sort"

	"github.com/goccy/go-json"

	"github.com/luciancaetano/relaynet"
)

type apiErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

type fieldError struct {
	Message string `json:"message"`
}

func isJSON(header http.Header) bool {
	mt, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// parseError builds an *APIError when the body is a structured API error and
// an *HTTPError otherwise.
func parseError(req *request, status int, header http.Header, body []byte) error {
	base := relaynet.HTTPError{
		Method:     req.method,
		Path:       req.opts.Path,
		Route:      req.route.Key,
		StatusCode: status,
		Header:     header,
		Body:       body,
	}

	var payload apiErrorBody
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return &base
	}
	if payload.Message == "" && payload.Code == 0 {
		return &base
	}
	return &relaynet.APIError{
		HTTPError: base,
		Code:      payload.Code,
		Message:   payload.Message,
		Errors:    flattenErrors(payload.Errors, ""),
	}
}

// flattenErrors turns the nested errors object into "a.b.c: message" lines,
// ordered by field name.
func flattenErrors(raw json.RawMessage, prefix string) []string {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == "message" || name == "code" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		value := fields[name]
		key := prefix + name

		var wrapped struct {
			Errors []fieldError `json:"_errors"`
		}
		if json.Unmarshal(value, &wrapped) == nil && wrapped.Errors != nil {
			for _, fe := range wrapped.Errors {
				out = append(out, key+": "+fe.Message)
			}
			continue
		}

		var objects []fieldError
		if json.Unmarshal(value, &objects) == nil {
			for _, fe := range objects {
				out = append(out, key+": "+fe.Message)
			}
			continue
		}
		var strs []string
		if json.Unmarshal(value, &strs) == nil {
			for _, s := range strs {
				out = append(out, key+": "+s)
			}
			continue
		}

		out = append(out, flattenErrors(value, key+".")...)
	}
	return out
}

package rest

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/luciancaetano/relaynet"
)

// encodedBody is a request body encoded once so every attempt can resend it.
type encodedBody struct {
	data        []byte
	contentType string
}

func (b encodedBody) reader() io.Reader {
	if b.data == nil {
		return nil
	}
	return bytes.NewReader(b.data)
}

// encodeBody encodes a JSON body, or a multipart form with one files[n] part
// per attachment and the JSON body as payload_json.
func encodeBody(body any, files []relaynet.File) (encodedBody, error) {
	if len(files) == 0 {
		if body == nil {
			return encodedBody{}, nil
		}
		data, err := json.Marshal(body)
		if err != nil {
			return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
		}
		return encodedBody{data: data, contentType: "application/json"}, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, f := range files {
		part, err := w.CreateFormFile(fmt.Sprintf("files[%d]", i), f.Name)
		if err != nil {
			return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
		}
		if f.Reader != nil {
			if _, err := io.Copy(part, f.Reader); err != nil {
				return encodedBody{}, errors.Wrapf(err, "%s: file %q", relaynet.ErrEncodeBody, f.Name)
			}
		}
	}

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="payload_json"`)
		h.Set("Content-Type", "application/json")
		part, err := w.CreatePart(h)
		if err != nil {
			return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
		}
		if _, err := part.Write(payload); err != nil {
			return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
		}
	}

	if err := w.Close(); err != nil {
		return encodedBody{}, errors.Wrap(err, relaynet.ErrEncodeBody)
	}
	return encodedBody{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

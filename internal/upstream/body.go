package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/url"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// Encoding enumerates the supported request body shapes. The set is closed:
// every forwarded request carries exactly one of these.
type Encoding int

const (
	// EncodingNone is a body-less request (GET, DELETE and the like).
	EncodingNone Encoding = iota
	// EncodingRaw forwards the caller's bytes and content type untouched.
	EncodingRaw
	// EncodingForm urlencodes key/value fields.
	EncodingForm
	// EncodingMultipart builds a multipart/form-data body; the boundary is
	// always generated here, never taken from the caller.
	EncodingMultipart
	// EncodingJSON marshals a value as application/json.
	EncodingJSON
)

// FilePart is one file attached to a multipart body.
type FilePart struct {
	Field    string
	Filename string
	Content  []byte
}

// Body is a tagged variant over the supported encodings. Construct values
// with the helper functions; the zero value means no body.
type Body struct {
	encoding Encoding

	raw         []byte
	contentType string

	fields map[string][]string
	files  []FilePart

	jsonValue interface{}
}

// RawBody passes data through byte for byte with the given content type.
func RawBody(data []byte, contentType string) Body {
	return Body{encoding: EncodingRaw, raw: data, contentType: contentType}
}

// FormBody urlencodes fields. Multi-valued keys are preserved in order.
func FormBody(fields map[string][]string) Body {
	return Body{encoding: EncodingForm, fields: fields}
}

// MultipartBody builds a multipart form from fields and files.
func MultipartBody(fields map[string][]string, files []FilePart) Body {
	return Body{encoding: EncodingMultipart, fields: fields, files: files}
}

// JSONBody marshals v as the request body.
func JSONBody(v interface{}) Body {
	return Body{encoding: EncodingJSON, jsonValue: v}
}

// Encoding returns the variant tag.
func (b Body) Encoding() Encoding {
	return b.encoding
}

// Fields returns the form fields of a Form or Multipart body, nil otherwise.
func (b Body) Fields() map[string][]string {
	return b.fields
}

// withFields returns a copy carrying the given fields. Only meaningful for
// Form and Multipart bodies.
func (b Body) withFields(fields map[string][]string) Body {
	b.fields = fields
	return b
}

// encode materializes the body into a reader and its Content-Type. Called
// once per send attempt so retries get a fresh reader.
func (b Body) encode() (io.Reader, string, error) {
	switch b.encoding {
	case EncodingNone:
		return nil, "", nil

	case EncodingRaw:
		return bytes.NewReader(b.raw), b.contentType, nil

	case EncodingForm:
		values := url.Values(b.fields)
		return bytes.NewReader([]byte(values.Encode())), "application/x-www-form-urlencoded", nil

	case EncodingMultipart:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for name, vals := range b.fields {
			for _, v := range vals {
				if err := w.WriteField(name, v); err != nil {
					return nil, "", errors.Wrap(err, "failed to write form field")
				}
			}
		}
		for _, f := range b.files {
			part, err := w.CreateFormFile(f.Field, f.Filename)
			if err != nil {
				return nil, "", errors.Wrap(err, "failed to create file part")
			}
			if _, err := part.Write(f.Content); err != nil {
				return nil, "", errors.Wrap(err, "failed to write file part")
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", errors.Wrap(err, "failed to finalize multipart body")
		}
		return &buf, w.FormDataContentType(), nil

	case EncodingJSON:
		data, err := json.Marshal(b.jsonValue)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to encode json body")
		}
		return bytes.NewReader(data), "application/json", nil
	}

	return nil, "", errors.BadRequest("unknown body encoding")
}

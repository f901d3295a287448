package messages

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var jsonNull = []byte(`null`)

// Content represents either flattened string content or a collection of typed
// content parts. Assistant turns persist as a plain string; user turns persist
// as a parts array. The JSON codec handles both shapes.
type Content struct {
	Text  string // flattened text, used when the turn is plain text
	Parts []Part // typed parts (text, image, file, url)
	_     struct{}
}

// MarshalJSON emits Text as a JSON string when it is non-empty, otherwise the
// Parts array, otherwise null.
func (c Content) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(c.Text) != "" {
		return json.Marshal(c.Text)
	}
	if c.Parts == nil {
		return jsonNull, nil
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts either a JSON string or an array of tagged parts.
func (c *Content) UnmarshalJSON(input []byte) error {
	if !gjson.ValidBytes(input) {
		return fmt.Errorf("invalid json: %s", input)
	}
	jv := gjson.ParseBytes(input)
	if jv.IsArray() {
		aj := jv.Array()
		parts := make([]Part, len(aj))
		for idx, ajv := range aj {
			part, err := unmarshalPart(ajv)
			if err != nil {
				return fmt.Errorf("invalid content part at %d: %w", idx, err)
			}
			parts[idx] = part
		}
		c.Parts = parts
		return nil
	}
	c.Text = jv.String()
	return nil
}

func unmarshalPart(jv gjson.Result) (Part, error) {
	tpe := jv.Get("type").String()
	switch tpe {
	case "text":
		var part TextPart
		if err := part.UnmarshalJSON([]byte(jv.Raw)); err != nil {
			return nil, err
		}
		return part, nil
	case "image":
		var part ImagePart
		if err := part.UnmarshalJSON([]byte(jv.Raw)); err != nil {
			return nil, err
		}
		return part, nil
	case "file":
		var part FilePart
		if err := part.UnmarshalJSON([]byte(jv.Raw)); err != nil {
			return nil, err
		}
		return part, nil
	case "url":
		var part URLPart
		if err := part.UnmarshalJSON([]byte(jv.Raw)); err != nil {
			return nil, err
		}
		return part, nil
	default:
		return nil, fmt.Errorf("unknown type %q", tpe)
	}
}

// Part is the closed set of content kinds a user turn can carry.
type Part interface {
	part()
}

// Text creates a TextPart with the given text.
func Text(text string) TextPart {
	return TextPart{Text: text}
}

// TextPart is literal user-entered text.
type TextPart struct {
	Text string `json:"text"`
	_    struct{}
}

func (TextPart) part() {}

var textPartJSON = []byte(`{"type":"text"}`)

func (t TextPart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes(textPartJSON, "text", t.Text)
}

func (t *TextPart) UnmarshalJSON(input []byte) error {
	text := gjson.GetBytes(input, "text")
	if !text.Exists() {
		return errors.New("missing required field 'text'")
	}
	t.Text = text.String()
	return nil
}

// Image creates an ImagePart referencing a stored upload.
func Image(path string) ImagePart {
	return ImagePart{Path: path}
}

// ImagePart references an uploaded image by its relative storage path.
type ImagePart struct {
	Path string `json:"content"`
	_    struct{}
}

func (ImagePart) part() {}

var imagePartJSON = []byte(`{"type":"image"}`)

func (i ImagePart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes(imagePartJSON, "content", i.Path)
}

func (i *ImagePart) UnmarshalJSON(input []byte) error {
	path := gjson.GetBytes(input, "content")
	if !path.Exists() {
		return errors.New("missing required field 'content'")
	}
	i.Path = path.String()
	return nil
}

// File creates a FilePart referencing a stored upload.
func File(path string) FilePart {
	return FilePart{Path: path}
}

// FilePart references an uploaded text document by its relative storage path.
type FilePart struct {
	Path string `json:"content"`
	_    struct{}
}

func (FilePart) part() {}

var filePartJSON = []byte(`{"type":"file"}`)

func (f FilePart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes(filePartJSON, "content", f.Path)
}

func (f *FilePart) UnmarshalJSON(input []byte) error {
	path := gjson.GetBytes(input, "content")
	if !path.Exists() {
		return errors.New("missing required field 'content'")
	}
	f.Path = path.String()
	return nil
}

// URL creates a URLPart carrying pre-extracted page text.
func URL(text string) URLPart {
	return URLPart{Text: text}
}

// URLPart carries the already-extracted text of a referenced web page. The
// extraction itself happens at upload time, outside this module.
type URLPart struct {
	Text string `json:"content"`
	_    struct{}
}

func (URLPart) part() {}

var urlPartJSON = []byte(`{"type":"url"}`)

func (u URLPart) MarshalJSON() ([]byte, error) {
	return sjson.SetBytes(urlPartJSON, "content", u.Text)
}

func (u *URLPart) UnmarshalJSON(input []byte) error {
	text := gjson.GetBytes(input, "content")
	if !text.Exists() {
		return errors.New("missing required field 'content'")
	}
	u.Text = text.String()
	return nil
}

package tool

// ContentType discriminates the payload held by a Content item.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentJSON   ContentType = "json"
	ContentBinary ContentType = "binary"
)

// Content is one item of a tool result.
type Content struct {
	Type     ContentType
	Text     string
	JSON     any
	Data     []byte
	MimeType string
}

// Result is the ordered output of a tool plus free-form metadata.
type Result struct {
	Content  []Content
	Metadata map[string]any
}

// NewResult returns an empty result ready for the Add* builders.
func NewResult() *Result {
	return &Result{}
}

// TextResult is shorthand for a result holding a single text item.
func TextResult(text string) *Result {
	return NewResult().AddText(text)
}

// JSONResult is shorthand for a result holding a single structured item.
func JSONResult(v any) *Result {
	return NewResult().AddJSON(v)
}

func (r *Result) AddText(text string) *Result {
	r.Content = append(r.Content, Content{Type: ContentText, Text: text})
	return r
}

// AddJSON appends a structured item. v must be JSON-compatible.
func (r *Result) AddJSON(v any) *Result {
	r.Content = append(r.Content, Content{Type: ContentJSON, JSON: v})
	return r
}

func (r *Result) AddBinary(data []byte, mimeType string) *Result {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	r.Content = append(r.Content, Content{Type: ContentBinary, Data: data, MimeType: mimeType})
	return r
}

func (r *Result) SetMetadata(key string, value any) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// Text concatenates all text items.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, c := range r.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

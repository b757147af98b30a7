package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingFrontMatter indicates the document does not start with a --- block.
	ErrMissingFrontMatter = errors.New("storage: missing frontmatter")
	// ErrMalformedFrontMatter indicates the metadata block could not be parsed.
	ErrMalformedFrontMatter = errors.New("storage: malformed frontmatter")
)

const fence = "---"

// HistoryEntry records a column a document passed through.
type HistoryEntry struct {
	Column    string
	Timestamp string
}

type field struct {
	key   string
	value string
	null  bool
}

// FrontMatter is the ordered metadata block at the top of an epic or sprint
// document. Keys keep their original order across a read/write cycle, and
// keys this package does not know about are carried through untouched.
type FrontMatter struct {
	fields  []field
	History []HistoryEntry
}

// Get returns the value for key. ok is false when the key is absent or null.
func (f *FrontMatter) Get(key string) (string, bool) {
	for _, fl := range f.fields {
		if fl.key == key {
			if fl.null {
				return "", false
			}
			return fl.value, true
		}
	}
	return "", false
}

// Value returns the value for key or "" when it is absent or null.
func (f *FrontMatter) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Has reports whether key is present, including when its value is null.
func (f *FrontMatter) Has(key string) bool {
	for _, fl := range f.fields {
		if fl.key == key {
			return true
		}
	}
	return false
}

// Set assigns value to key in place, appending the key when it is new.
func (f *FrontMatter) Set(key, value string) {
	f.put(field{key: key, value: value})
}

// SetNull writes key with a null value.
func (f *FrontMatter) SetNull(key string) {
	f.put(field{key: key, null: true})
}

func (f *FrontMatter) put(nf field) {
	for i := range f.fields {
		if f.fields[i].key == nf.key {
			f.fields[i] = nf
			return
		}
	}
	f.fields = append(f.fields, nf)
}

// Delete removes key if present.
func (f *FrontMatter) Delete(key string) {
	for i := range f.fields {
		if f.fields[i].key == key {
			f.fields = append(f.fields[:i], f.fields[i+1:]...)
			return
		}
	}
}

// Keys returns the keys in document order.
func (f *FrontMatter) Keys() []string {
	keys := make([]string, 0, len(f.fields))
	for _, fl := range f.fields {
		keys = append(keys, fl.key)
	}
	return keys
}

// Map returns the non-null fields as a map.
func (f *FrontMatter) Map() map[string]string {
	m := make(map[string]string, len(f.fields))
	for _, fl := range f.fields {
		if !fl.null {
			m[fl.key] = fl.value
		}
	}
	return m
}

// AppendHistory adds a column entry to the history list.
func (f *FrontMatter) AppendHistory(column, timestamp string) {
	f.History = append(f.History, HistoryEntry{Column: column, Timestamp: timestamp})
}

// Document is a markdown file with a metadata block.
type Document struct {
	Meta *FrontMatter
	Body string
}

// ParseDocument splits content into its metadata block and body. When the
// content has no block, the whole content is returned as the body along
// with ErrMissingFrontMatter.
func ParseDocument(content string) (*Document, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, fence+"\n") {
		return &Document{Meta: &FrontMatter{}, Body: content}, ErrMissingFrontMatter
	}

	rest := content[len(fence)+1:]
	var block []string
	body := ""
	closed := false
	for rest != "" {
		line := rest
		next := ""
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			line = rest[:idx]
			next = rest[idx+1:]
		}
		if strings.TrimRight(line, " \t") == fence {
			body = next
			closed = true
			break
		}
		block = append(block, line)
		rest = next
	}
	if !closed {
		return nil, fmt.Errorf("%w: closing --- not found", ErrMalformedFrontMatter)
	}

	meta, err := parseBlock(block)
	if err != nil {
		return nil, err
	}
	return &Document{Meta: meta, Body: body}, nil
}

func parseBlock(lines []string) (*FrontMatter, error) {
	fm := &FrontMatter{}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' || strings.HasPrefix(trimmed, "- ") {
			return nil, fmt.Errorf("%w: line %d: unexpected list or indented line", ErrMalformedFrontMatter, i+1)
		}
		key, raw, ok := splitKeyValue(trimmed)
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected key: value", ErrMalformedFrontMatter, i+1)
		}
		if key == "history" {
			if raw != "" && raw != "[]" {
				return nil, fmt.Errorf("%w: history must be a block list", ErrMalformedFrontMatter)
			}
			entries, consumed, err := parseHistory(lines[i+1:])
			if err != nil {
				return nil, err
			}
			fm.History = entries
			i += consumed
			continue
		}
		value, null, err := decodeScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrMalformedFrontMatter, key, err)
		}
		fm.put(field{key: key, value: value, null: null})
	}
	return fm, nil
}

// parseHistory reads list items until the next top-level key. It returns the
// entries and the number of lines consumed.
func parseHistory(lines []string) ([]HistoryEntry, int, error) {
	var entries []HistoryEntry
	consumed := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			consumed++
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'
		isItem := strings.HasPrefix(trimmed, "- ") || trimmed == "-"
		if !indented && !isItem {
			break
		}
		consumed++
		if isItem {
			entries = append(entries, HistoryEntry{})
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			if trimmed == "" {
				continue
			}
		}
		if len(entries) == 0 {
			return nil, 0, fmt.Errorf("%w: history attribute before any item", ErrMalformedFrontMatter)
		}
		key, raw, ok := splitKeyValue(trimmed)
		if !ok {
			return nil, 0, fmt.Errorf("%w: history item: expected key: value", ErrMalformedFrontMatter)
		}
		value, _, err := decodeScalar(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: history %s: %v", ErrMalformedFrontMatter, key, err)
		}
		cur := &entries[len(entries)-1]
		switch key {
		case "column":
			cur.Column = value
		case "timestamp":
			cur.Timestamp = value
		}
	}
	return entries, consumed, nil
}

func splitKeyValue(s string) (string, string, bool) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
}

func decodeScalar(raw string) (string, bool, error) {
	switch {
	case raw == "" || raw == "null" || raw == "~":
		return "", true, nil
	case raw[0] == '"':
		if len(raw) < 2 || raw[len(raw)-1] != '"' {
			return "", false, errors.New("unterminated quoted string")
		}
		return unescape(raw[1 : len(raw)-1]), false, nil
	case raw[0] == '\'':
		if len(raw) < 2 || raw[len(raw)-1] != '\'' {
			return "", false, errors.New("unterminated quoted string")
		}
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"), false, nil
	}
	return raw, false, nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func encodeScalar(v string) string {
	if v == "null" || v == "~" || v == "" || needsQuote(v) {
		r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
		return `"` + r.Replace(v) + `"`
	}
	return v
}

func needsQuote(v string) bool {
	if strings.TrimSpace(v) != v {
		return true
	}
	if strings.ContainsAny(v, " :#\"'\\\n\t") {
		return true
	}
	return v[0] == '-' || v[0] == '[' || v[0] == '{'
}

// String renders the metadata block including both fences.
func (f *FrontMatter) String() string {
	var b strings.Builder
	b.WriteString(fence + "\n")
	for _, fl := range f.fields {
		b.WriteString(fl.key)
		b.WriteString(": ")
		if fl.null {
			b.WriteString("null")
		} else {
			b.WriteString(encodeScalar(fl.value))
		}
		b.WriteByte('\n')
	}
	if len(f.History) > 0 {
		b.WriteString("history:\n")
		for _, h := range f.History {
			b.WriteString("  - column: " + encodeScalar(h.Column) + "\n")
			b.WriteString("    timestamp: " + encodeScalar(h.Timestamp) + "\n")
		}
	}
	b.WriteString(fence + "\n")
	return b.String()
}

// String renders the full document.
func (d *Document) String() string {
	return d.Meta.String() + d.Body
}

// Package part defines the typed content fragments composing messages and
// artifacts. A part is one of three kinds: plain text, a file attachment
// (base64 bytes plus optional name and MIME type), or a structured data
// object.
package part

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
	KindData Kind = "data"
)

// Part is a discriminated value; exactly one of Text, File, or Data is
// populated depending on Kind.
type Part struct {
	Kind     Kind           `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *File          `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// File carries an inlined attachment. Bytes is base64 encoded.
type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// Decode returns the raw attachment bytes.
func (f *File) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(f.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode file bytes: %w", err)
	}
	return raw, nil
}

func Text(text string) Part {
	return Part{Kind: KindText, Text: text}
}

func Data(data map[string]any) Part {
	return Part{Kind: KindData, Data: data}
}

func FileBytes(name, mimeType string, raw []byte) Part {
	return Part{Kind: KindFile, File: &File{
		Name:     name,
		MimeType: mimeType,
		Bytes:    base64.StdEncoding.EncodeToString(raw),
	}}
}

// Validate checks the kind discriminator against the populated payload.
func (p Part) Validate() error {
	switch p.Kind {
	case KindText:
		return nil
	case KindFile:
		if p.File == nil {
			return fmt.Errorf("file part missing file payload")
		}
		if p.File.Bytes != "" {
			if _, err := base64.StdEncoding.DecodeString(p.File.Bytes); err != nil {
				return fmt.Errorf("file part bytes are not valid base64: %w", err)
			}
		}
		return nil
	case KindData:
		if p.Data == nil {
			return fmt.Errorf("data part missing data payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
}

// PlainText concatenates the text of all text parts in order.
func PlainText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == KindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// EncodeList serializes parts to a JSON array string for storage columns.
func EncodeList(parts []Part) (string, error) {
	if len(parts) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode parts: %w", err)
	}
	return string(data), nil
}

// DecodeList parses a JSON array string produced by EncodeList.
func DecodeList(raw string) ([]Part, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []Part
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	return out, nil
}

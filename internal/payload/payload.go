// Package payload encodes the plaintext body of a direct message.
//
// Deployed clients put structured data into the free-text rumor content: an
// optional first line naming the marketplace item the message refers to, and
// attachment descriptors appended as numbered text blocks:
//
//	[Context:product:abc123]
//	hello, is this still available?
//
//	[Attachment 1]
//	id: 6f1c...
//	type: image
//	url: https://cdn.example/6f1c.jpg
//	...
//
// Decode only strips a trailing run of blocks that parses completely and is
// numbered 1..N, so user text that merely looks like a block is left alone.
package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/matheus3301/nostrdm/internal/model"
)

const blockSeparator = "\n\n"

var (
	contextLine = regexp.MustCompile(`^\[Context:(product|heritage):([^\]\s]+)\]\n`)
	blockHeader = regexp.MustCompile(`^\[Attachment (\d+)\]$`)
)

// fieldOrder is the order fields are written in; decoding accepts any order.
var fieldOrder = []string{"id", "type", "url", "name", "mimeType", "size", "hash", "metadata"}

// Encode renders content, attachments and context into rumor text.
func Encode(content string, attachments []model.Attachment, ctx *model.Context) string {
	var b strings.Builder
	if ctx != nil && ctx.ID != "" {
		fmt.Fprintf(&b, "[Context:%s:%s]\n", ctx.Type, ctx.ID)
	}
	b.WriteString(content)
	for i, a := range attachments {
		b.WriteString(blockSeparator)
		writeBlock(&b, i+1, a)
	}
	return b.String()
}

func writeBlock(b *strings.Builder, n int, a model.Attachment) {
	fmt.Fprintf(b, "[Attachment %d]", n)
	values := map[string]string{
		"id":       a.ID,
		"type":     string(a.Type),
		"url":      a.URL,
		"name":     a.Name,
		"mimeType": a.MimeType,
		"hash":     a.Hash,
	}
	if a.Size > 0 {
		values["size"] = strconv.FormatInt(a.Size, 10)
	}
	if len(a.Metadata) > 0 {
		raw, _ := json.Marshal(a.Metadata)
		values["metadata"] = string(raw)
	}
	for _, key := range fieldOrder {
		v := values[key]
		if v == "" {
			continue
		}
		// Values are single-line; newlines would split the block.
		v = strings.ReplaceAll(v, "\n", " ")
		fmt.Fprintf(b, "\n%s: %s", key, v)
	}
}

// Decode splits rumor text back into content, attachments and context.
func Decode(text string) (string, []model.Attachment, *model.Context) {
	var ctx *model.Context
	if m := contextLine.FindStringSubmatch(text); m != nil {
		ctx = &model.Context{Type: model.ContextType(m[1]), ID: m[2]}
		text = text[len(m[0]):]
	}

	start := 0
	for {
		idx := strings.Index(text[start:], blockSeparator+"[Attachment 1]\n")
		if idx < 0 {
			return text, nil, ctx
		}
		idx += start
		if atts, ok := parseBlocks(text[idx+len(blockSeparator):]); ok {
			return text[:idx], atts, ctx
		}
		start = idx + 1
	}
}

// parseBlocks parses s as consecutive attachment blocks numbered from 1.
func parseBlocks(s string) ([]model.Attachment, bool) {
	chunks := strings.Split(s, blockSeparator)
	atts := make([]model.Attachment, 0, len(chunks))
	for i, chunk := range chunks {
		a, ok := parseBlock(chunk, i+1)
		if !ok {
			return nil, false
		}
		atts = append(atts, a)
	}
	return atts, true
}

func parseBlock(chunk string, want int) (model.Attachment, bool) {
	var a model.Attachment
	lines := strings.Split(chunk, "\n")
	m := blockHeader.FindStringSubmatch(lines[0])
	if m == nil {
		return a, false
	}
	if n, err := strconv.Atoi(m[1]); err != nil || n != want {
		return a, false
	}
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return a, false
		}
		switch key {
		case "id":
			a.ID = value
		case "type":
			a.Type = model.AttachmentType(value)
		case "url":
			a.URL = value
		case "name":
			a.Name = value
		case "mimeType":
			a.MimeType = value
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return a, false
			}
			a.Size = size
		case "hash":
			a.Hash = value
		case "metadata":
			if err := json.Unmarshal([]byte(value), &a.Metadata); err != nil {
				return a, false
			}
		default:
			return a, false
		}
	}
	if a.URL == "" {
		return a, false
	}
	return a, true
}

// TypeForMIME maps a MIME type to its attachment family.
func TypeForMIME(mime string) model.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return model.AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return model.AttachmentAudio
	default:
		return model.AttachmentDocument
	}
}

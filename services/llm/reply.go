package llm

import (
	"encoding/json"
	"strings"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
)

// ReplyKind discriminates the two assistant reply variants.
type ReplyKind int

const (
	// ReplyConversational is plain chat text, finalized verbatim.
	ReplyConversational ReplyKind = iota

	// ReplyFileEdit carries a file tree to merge plus a short chat body.
	ReplyFileEdit
)

// AssistantReply is the explicit two-variant parse result of one
// completed AI turn.
//
// For ReplyConversational, Text is the full accumulated response and
// FileTree is nil. For ReplyFileEdit, FileTree holds only the files the
// model created or modified, and Text is the accompanying chat body
// (DefaultFileEditBody when the model supplied none).
type AssistantReply struct {
	Kind     ReplyKind
	Text     string
	FileTree datatypes.FileTreeSnapshot
}

// structuredReply matches the Coding Co-Pilot JSON contract.
type structuredReply struct {
	Text     string                     `json:"text"`
	FileTree datatypes.FileTreeSnapshot `json:"fileTree"`
}

// ParseAssistantReply classifies a completed response.
//
// The response is a file-edit iff it parses as JSON with a non-empty
// fileTree. Anything else — plain prose, malformed JSON, or JSON
// without a fileTree — degrades silently to the conversational variant
// carrying the raw text verbatim. Intended-but-malformed structured
// output is therefore indistinguishable from chat; that mirrors how
// deployed clients already behave.
func ParseAssistantReply(raw string) AssistantReply {
	trimmed := strings.TrimSpace(raw)

	var parsed structuredReply
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || len(parsed.FileTree) == 0 {
		return AssistantReply{Kind: ReplyConversational, Text: raw}
	}

	text := parsed.Text
	if text == "" {
		text = datatypes.DefaultFileEditBody
	}
	return AssistantReply{
		Kind:     ReplyFileEdit,
		Text:     text,
		FileTree: parsed.FileTree,
	}
}

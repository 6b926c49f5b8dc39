package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidContent indicates that a content payload does not decode for its block type.
var ErrInvalidContent = errors.New("blocks: invalid content payload")

const (
	todoCheckedPrefix   = "[x] "
	todoUncheckedPrefix = "[ ] "
	tableCellSeparator  = " | "
)

// Content is the closed union of per-type block payloads. Each block type
// has exactly one variant; payloads are stored as JSON in the block row and
// reconstructed from CRDT text by ContentFromText.
type Content interface {
	blockContent()
}

// ParagraphContent carries plain paragraph text.
type ParagraphContent struct {
	Text string `json:"text"`
}

// HeadingContent carries heading text; the level is implied by the block type.
type HeadingContent struct {
	Text string `json:"text"`
}

// ListContent carries ordered or bulleted list items.
type ListContent struct {
	Items []string `json:"items"`
}

// TodoContent carries a todo line and its checked state.
type TodoContent struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// CodeContent carries a code listing and its language tag.
type CodeContent struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// QuoteContent carries quoted text.
type QuoteContent struct {
	Text string `json:"text"`
}

// DividerContent is an empty payload for horizontal rules.
type DividerContent struct{}

// ImageContent carries an image reference and caption.
type ImageContent struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// TableContent carries row-major table cells.
type TableContent struct {
	Rows [][]string `json:"rows"`
}

func (ParagraphContent) blockContent() {}
func (HeadingContent) blockContent()   {}
func (ListContent) blockContent()      {}
func (TodoContent) blockContent()      {}
func (CodeContent) blockContent()      {}
func (QuoteContent) blockContent()     {}
func (DividerContent) blockContent()   {}
func (ImageContent) blockContent()     {}
func (TableContent) blockContent()     {}

// EncodeContent serializes a content variant to its stored JSON form.
func EncodeContent(content Content) (string, error) {
	if content == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return string(raw), nil
}

// DecodeContent deserializes stored JSON into the variant for the block type.
func DecodeContent(blockType BlockType, payloadJSON string) (Content, error) {
	raw := []byte(strings.TrimSpace(payloadJSON))
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	decode := func(target Content) (Content, error) {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("%w: type %s: %v", ErrInvalidContent, blockType, err)
		}
		return target, nil
	}
	switch blockType {
	case BlockTypeParagraph:
		c, err := decode(&ParagraphContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*ParagraphContent), nil
	case BlockTypeHeading1, BlockTypeHeading2, BlockTypeHeading3:
		c, err := decode(&HeadingContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*HeadingContent), nil
	case BlockTypeBulletedList, BlockTypeNumberedList:
		c, err := decode(&ListContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*ListContent), nil
	case BlockTypeTodo:
		c, err := decode(&TodoContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*TodoContent), nil
	case BlockTypeCode:
		c, err := decode(&CodeContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*CodeContent), nil
	case BlockTypeQuote:
		c, err := decode(&QuoteContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*QuoteContent), nil
	case BlockTypeDivider:
		return DividerContent{}, nil
	case BlockTypeImage:
		c, err := decode(&ImageContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*ImageContent), nil
	case BlockTypeTable:
		c, err := decode(&TableContent{})
		if err != nil {
			return nil, err
		}
		return *c.(*TableContent), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBlockType, blockType)
}

// ContentFromText projects a block's live CRDT text back into its typed
// content. One pure function per variant; the inverse of TextFromContent for
// every type that carries text.
func ContentFromText(blockType BlockType, text string) (Content, error) {
	switch blockType {
	case BlockTypeParagraph:
		return ParagraphContent{Text: text}, nil
	case BlockTypeHeading1, BlockTypeHeading2, BlockTypeHeading3:
		return HeadingContent{Text: firstLine(text)}, nil
	case BlockTypeBulletedList, BlockTypeNumberedList:
		return ListContent{Items: splitItems(text)}, nil
	case BlockTypeTodo:
		return projectTodo(text), nil
	case BlockTypeCode:
		return projectCode(text), nil
	case BlockTypeQuote:
		return QuoteContent{Text: text}, nil
	case BlockTypeDivider:
		return DividerContent{}, nil
	case BlockTypeImage:
		return projectImage(text), nil
	case BlockTypeTable:
		return projectTable(text), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBlockType, blockType)
}

// TextFromContent flattens typed content into the single editable text
// sequence held by the CRDT layer for that block.
func TextFromContent(blockType BlockType, content Content) string {
	switch payload := content.(type) {
	case ParagraphContent:
		return payload.Text
	case HeadingContent:
		return payload.Text
	case ListContent:
		return strings.Join(payload.Items, "\n")
	case TodoContent:
		prefix := todoUncheckedPrefix
		if payload.Checked {
			prefix = todoCheckedPrefix
		}
		return prefix + payload.Text
	case CodeContent:
		if payload.Language == "" {
			return "\n" + payload.Text
		}
		return payload.Language + "\n" + payload.Text
	case QuoteContent:
		return payload.Text
	case DividerContent:
		return ""
	case ImageContent:
		if payload.Caption == "" {
			return payload.URL
		}
		return payload.URL + "\n" + payload.Caption
	case TableContent:
		lines := make([]string, 0, len(payload.Rows))
		for _, row := range payload.Rows {
			lines = append(lines, strings.Join(row, tableCellSeparator))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

func splitItems(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

func projectTodo(text string) TodoContent {
	switch {
	case strings.HasPrefix(text, todoCheckedPrefix):
		return TodoContent{Text: strings.TrimPrefix(text, todoCheckedPrefix), Checked: true}
	case strings.HasPrefix(text, todoUncheckedPrefix):
		return TodoContent{Text: strings.TrimPrefix(text, todoUncheckedPrefix), Checked: false}
	}
	return TodoContent{Text: text, Checked: false}
}

func projectCode(text string) CodeContent {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return CodeContent{Language: "", Text: text}
	}
	return CodeContent{Language: text[:idx], Text: text[idx+1:]}
}

func projectImage(text string) ImageContent {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return ImageContent{URL: text}
	}
	return ImageContent{URL: text[:idx], Caption: text[idx+1:]}
}

func projectTable(text string) TableContent {
	if text == "" {
		return TableContent{Rows: [][]string{}}
	}
	lines := strings.Split(text, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, strings.Split(line, tableCellSeparator))
	}
	return TableContent{Rows: rows}
}

package page

import (
	"fmt"

	"github.com/drpcorg/blockdoc"
	"github.com/drpcorg/blockdoc/blockdoc_errors"
)

type BlockType string

const (
	Paragraph    BlockType = "paragraph"
	Heading1     BlockType = "heading-1"
	Heading2     BlockType = "heading-2"
	Heading3     BlockType = "heading-3"
	BulletList   BlockType = "bullet-list"
	NumberedList BlockType = "numbered-list"
	Image        BlockType = "image"
	Code         BlockType = "code"
	Quote        BlockType = "quote"
)

var BlockTypes = []BlockType{
	Paragraph, Heading1, Heading2, Heading3, BulletList, NumberedList, Image, Code, Quote,
}

func (bt BlockType) Valid() bool {
	for _, t := range BlockTypes {
		if t == bt {
			return true
		}
	}
	return false
}

func ParseBlockType(s string) (BlockType, error) {
	bt := BlockType(s)
	if !bt.Valid() {
		return "", fmt.Errorf("%w: %q", blockdoc_errors.ErrUnknownBlockType, s)
	}
	return bt, nil
}

// Block is one rendered unit of a page.
type Block struct {
	ID      string    `json:"id"`
	Type    BlockType `json:"type"`
	Content string    `json:"content"`
}

const (
	fieldType    = "type"
	fieldContent = "content"
)

func (b Block) record() blockdoc.Record {
	return blockdoc.Record{
		fieldType:    string(b.Type),
		fieldContent: b.Content,
	}
}

func blockFromRecord(id string, rec blockdoc.Record) Block {
	return Block{
		ID:      id,
		Type:    BlockType(rec[fieldType]),
		Content: rec[fieldContent],
	}
}

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/warden/pkg/models"
)

// AssembledCall is a tool call finalised from a stream, or the parse
// failure that prevented it.
type AssembledCall struct {
	models.ToolCall
	Err error
}

// assembler accumulates tool-use blocks by stream index. Tool input arrives
// as input_json_delta fragments; the call is only usable once its block
// stops and the concatenated fragments parse as a JSON object.
type assembler struct {
	blocks map[int]*pendingBlock
}

type pendingBlock struct {
	id    string
	name  string
	input strings.Builder
}

func newAssembler() *assembler {
	return &assembler{blocks: make(map[int]*pendingBlock)}
}

// start opens a tool-use block at the given index.
func (a *assembler) start(index int, id, name string) {
	a.blocks[index] = &pendingBlock{id: id, name: name}
}

// appendJSON accumulates an input fragment. Fragments for unknown indexes
// (text blocks, or blocks after a stream error) are dropped.
func (a *assembler) appendJSON(index int, fragment string) {
	if b, ok := a.blocks[index]; ok {
		b.input.WriteString(fragment)
	}
}

// finish closes the block at index. The second return is false when the
// index holds no tool-use block (text blocks also emit content_block_stop).
func (a *assembler) finish(index int) (AssembledCall, bool) {
	b, ok := a.blocks[index]
	if !ok {
		return AssembledCall{}, false
	}
	delete(a.blocks, index)

	call := AssembledCall{ToolCall: models.ToolCall{ID: b.id, Name: b.name}}

	raw := b.input.String()
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		call.Err = newTurnError(CodeParseError,
			fmt.Sprintf("tool %s: malformed input JSON", b.name), nil)
		return call, true
	}
	call.Input = json.RawMessage(raw)
	return call, true
}

// failIncomplete marks every still-open block as failed. Called when the
// stream dies before the blocks stop.
func (a *assembler) failIncomplete(cause error) []AssembledCall {
	var failed []AssembledCall
	for index, b := range a.blocks {
		failed = append(failed, AssembledCall{
			ToolCall: models.ToolCall{ID: b.id, Name: b.name},
			Err: newTurnError(CodeParseError,
				fmt.Sprintf("tool %s: stream ended before input completed", b.name), cause),
		})
		delete(a.blocks, index)
	}
	return failed
}

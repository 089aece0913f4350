package agentrunner

import (
	"encoding/json"
	"sync"
)

// contentBlock mirrors one element of an assistant message's content array
// while it is still being streamed.
type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input string `json:"-"` // raw accumulator for input_json_delta, never marshaled directly
}

// MarshalJSON renders tool_use blocks with their best-effort parsed input,
// falling back to a `_partial` escape hatch while the input is incomplete JSON.
func (b contentBlock) MarshalJSON() ([]byte, error) {
	type textShape struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if b.Type == "text" {
		return json.Marshal(textShape{Type: "text", Text: b.Text})
	}

	var parsedInput json.RawMessage
	if b.Input != "" && json.Valid([]byte(b.Input)) {
		parsedInput = json.RawMessage(b.Input)
	}
	if parsedInput != nil {
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{Type: b.Type, ID: b.ID, Name: b.Name, Input: parsedInput})
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Name    string `json:"name"`
		Partial string `json:"_partial"`
	}{Type: b.Type, ID: b.ID, Name: b.Name, Partial: b.Input})
}

// partialMessage is the one in-flight assistant message a session can hold
// at a time, keyed by the model-assigned message id.
type partialMessage struct {
	messageID string
	model     string
	blocks    []contentBlock
}

// hasDisplayableContent reports whether any block currently carries text or
// a named tool_use, the gate for emitting a snapshot.
func (p *partialMessage) hasDisplayableContent() bool {
	for _, b := range p.blocks {
		if b.Type == "text" && b.Text != "" {
			return true
		}
		if b.Type == "tool_use" && b.Name != "" {
			return true
		}
	}
	return false
}

func (p *partialMessage) snapshot() map[string]interface{} {
	raw, _ := json.Marshal(p.blocks)
	var blocks []interface{}
	_ = json.Unmarshal(raw, &blocks)
	return map[string]interface{}{
		"id":      p.messageID,
		"model":   p.model,
		"type":    "assistant",
		"content": blocks,
	}
}

// accumulator tracks at most one partial message per session. Mutex-guarded
// rather than channel-driven because processOutputLine calls it
// synchronously from the tail-consumption loop.
type accumulator struct {
	mu       sync.Mutex
	sessions map[string]*partialMessage
}

func newAccumulator() *accumulator {
	return &accumulator{sessions: make(map[string]*partialMessage)}
}

// streamEvent is the nested `event` object of a `type == "stream_event"`
// output line.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	ContentBlock struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input string `json:"input"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

// feed applies one stream event to sessionID's partial message and returns
// a snapshot to emit, or nil if nothing displayable changed.
func (a *accumulator) feed(sessionID string, ev streamEvent) map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case "message_start":
		a.sessions[sessionID] = &partialMessage{messageID: ev.Message.ID, model: ev.Message.Model}
		return nil

	case "content_block_start":
		p, ok := a.sessions[sessionID]
		if !ok {
			return nil
		}
		for len(p.blocks) <= ev.Index {
			p.blocks = append(p.blocks, contentBlock{})
		}
		block := contentBlock{Type: ev.ContentBlock.Type}
		switch ev.ContentBlock.Type {
		case "text":
			block.Text = ev.ContentBlock.Text
		case "tool_use":
			block.ID = ev.ContentBlock.ID
			block.Name = ev.ContentBlock.Name
			block.Input = ev.ContentBlock.Input
		}
		p.blocks[ev.Index] = block
		if p.hasDisplayableContent() {
			return p.snapshot()
		}
		return nil

	case "content_block_delta":
		p, ok := a.sessions[sessionID]
		if !ok || ev.Index >= len(p.blocks) {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			p.blocks[ev.Index].Text += ev.Delta.Text
		case "input_json_delta":
			p.blocks[ev.Index].Input += ev.Delta.PartialJSON
		}
		if p.hasDisplayableContent() {
			return p.snapshot()
		}
		return nil

	case "content_block_stop":
		p, ok := a.sessions[sessionID]
		if !ok {
			return nil
		}
		if p.hasDisplayableContent() {
			return p.snapshot()
		}
		return nil

	case "message_delta":
		return nil

	case "message_stop":
		delete(a.sessions, sessionID)
		return nil

	default:
		return nil
	}
}

// clear drops any in-flight partial for sessionID, used on cleanup so a
// crashed stream never leaks state into the next run.
func (a *accumulator) clear(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

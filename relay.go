package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// relayEventKind discriminates relayEvent.
type relayEventKind int

const (
	eventContentDelta relayEventKind = iota
	eventThinkingDelta
	eventSearchCitation
	eventMediaURL
	eventCompletionEnd
	eventError
)

// relayEvent is one unit of translated output. The relay produces them in
// upstream order; the dispatcher's outbound writer is the only consumer.
type relayEvent struct {
	kind      relayEventKind
	text      string // delta text, citation markdown, or asset URL
	mediaKind string // "image" or "video" for eventMediaURL
	truncated bool   // eventCompletionEnd: upstream closed before finishing
	err       error  // eventError
}

// relayStream reads the upstream SSE body and emits relayEvents on the
// returned channel. Events keep upstream order, and thinking deltas are
// dropped when the thinking capability is off. The channel terminates with
// exactly one eventCompletionEnd (flagged truncated when the upstream closed
// without finishing) or one eventError, then closes. Cancelling ctx stops
// the reader promptly.
func relayStream(ctx context.Context, body io.Reader, caps capabilitySet) <-chan relayEvent {
	out := make(chan relayEvent)
	go func() {
		defer close(out)

		emit := func(ev relayEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if bytes.Equal(payload, []byte("[DONE]")) {
				emit(relayEvent{kind: eventCompletionEnd})
				return
			}

			var chunk qwenStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				emit(relayEvent{kind: eventError, err: fmt.Errorf("%w: malformed chunk: %v", errUpstream, err)})
				return
			}
			if chunk.Error != "" {
				emit(relayEvent{kind: eventError, err: fmt.Errorf("%w: %s", errUpstream, chunk.Error)})
				return
			}

			for _, choice := range chunk.Choices {
				ev, ok := translateDelta(choice.Delta, caps)
				if ok && !emit(ev) {
					return
				}
				if choice.FinishReason == "stop" || choice.Delta.Status == "finished" {
					emit(relayEvent{kind: eventCompletionEnd})
					return
				}
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(relayEvent{kind: eventError, err: fmt.Errorf("%w: read stream: %v", errUpstream, err)})
			return
		}
		// Clean EOF without [DONE]: terminate the client stream with a
		// truncation marker rather than leaving it open.
		emit(relayEvent{kind: eventCompletionEnd, truncated: true})
	}()
	return out
}

// translateDelta maps one upstream delta onto a relayEvent, or drops it.
func translateDelta(d qwenDelta, caps capabilitySet) (relayEvent, bool) {
	if d.Name == "web_search" {
		if d.Extra == nil || len(d.Extra.WebSearchInfo) == 0 {
			return relayEvent{}, false
		}
		return relayEvent{kind: eventSearchCitation, text: citationTable(d.Extra.WebSearchInfo)}, true
	}

	switch d.Phase {
	case "think":
		if !caps.Thinking {
			return relayEvent{}, false
		}
		if d.Content == "" {
			return relayEvent{}, false
		}
		return relayEvent{kind: eventThinkingDelta, text: d.Content}, true
	case "image_gen":
		if d.Content == "" {
			return relayEvent{}, false
		}
		return relayEvent{kind: eventMediaURL, text: d.Content, mediaKind: "image"}, true
	case "video_gen":
		if d.Content == "" {
			return relayEvent{}, false
		}
		return relayEvent{kind: eventMediaURL, text: d.Content, mediaKind: "video"}, true
	default: // "answer" or unphased content
		if d.Content == "" {
			return relayEvent{}, false
		}
		return relayEvent{kind: eventContentDelta, text: d.Content}, true
	}
}

// citationTable renders search results as the markdown table the web client
// shows, emitted inline before the content it supports.
func citationTable(results []qwenSearchResult) string {
	var b strings.Builder
	b.WriteString("| 序号 | 标题 | 摘要 | 链接 |\n|---|---|---|---|\n")
	for i, r := range results {
		title := sanitizeCell(r.Title)
		snippet := sanitizeCell(r.Snippet)
		fmt.Fprintf(&b, "| %d | %s | %s | [链接](%s) |\n", i+1, title, snippet, r.URL)
	}
	b.WriteString("\n\n")
	return b.String()
}

func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

// mediaMarkdown is how the OpenAI-compatible surface carries a generated
// asset inside message content.
func mediaMarkdown(ev relayEvent) string {
	if ev.mediaKind == "image" {
		return fmt.Sprintf("![Generated Image](%s)", ev.text)
	}
	return fmt.Sprintf("[链接](%s)", ev.text)
}

// collected is the buffered form of a relayed response, used for
// non-streaming completions.
type collected struct {
	content   string
	reasoning string
	mediaURLs []string
	truncated bool
}

// collectEvents drains a relay channel into one buffered result, preserving
// arrival order inside content. Thinking segments are bracketed with
// <think> markers and also exposed separately as reasoning.
func collectEvents(events <-chan relayEvent) (collected, error) {
	var (
		out      collected
		content  strings.Builder
		thinking strings.Builder
		inThink  bool
	)
	closeThink := func() {
		if inThink {
			content.WriteString("</think>")
			inThink = false
		}
	}
	for ev := range events {
		switch ev.kind {
		case eventThinkingDelta:
			if !inThink {
				content.WriteString("<think>")
				inThink = true
			}
			content.WriteString(ev.text)
			thinking.WriteString(ev.text)
		case eventContentDelta:
			closeThink()
			content.WriteString(ev.text)
		case eventSearchCitation:
			closeThink()
			content.WriteString(ev.text)
		case eventMediaURL:
			closeThink()
			content.WriteString(mediaMarkdown(ev))
			out.mediaURLs = append(out.mediaURLs, ev.text)
		case eventCompletionEnd:
			closeThink()
			out.truncated = ev.truncated
		case eventError:
			return collected{}, ev.err
		}
	}
	closeThink()
	out.content = content.String()
	out.reasoning = thinking.String()
	return out, nil
}

// buildCompletion synthesizes the single OpenAI completion object for
// non-streaming calls.
func buildCompletion(model string, col collected, promptLen int) *chatCompletion {
	finish := "stop"
	if col.truncated {
		finish = "length"
	}
	return &chatCompletion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: nowUnix(),
		Model:   model,
		Choices: []completionChoice{{
			Message: completionMessage{
				Role:             "assistant",
				Content:          col.content,
				ReasoningContent: col.reasoning,
			},
			FinishReason: finish,
		}},
		Usage: completionUsage{
			PromptTokens:     promptLen,
			CompletionTokens: len(col.content),
			TotalTokens:      promptLen + len(col.content),
		},
	}
}

// parseBufferedResponse converts a fully buffered upstream payload into the
// same collected form the stream path produces, folding think-phase choices
// into <think> markers.
func parseBufferedResponse(resp *qwenChatResponse, caps capabilitySet) collected {
	var (
		content  strings.Builder
		thinking strings.Builder
	)
	for _, c := range resp.Choices {
		msg := c.Message
		if msg.Phase == "think" {
			if !caps.Thinking {
				continue
			}
			content.WriteString("<think>")
			content.WriteString(msg.Content)
			content.WriteString("</think>")
			thinking.WriteString(msg.Content)
			continue
		}
		if msg.Extra != nil && len(msg.Extra.WebSearchInfo) > 0 {
			content.WriteString(citationTable(msg.Extra.WebSearchInfo))
		}
		content.WriteString(msg.Content)
	}
	return collected{content: content.String(), reasoning: thinking.String()}
}

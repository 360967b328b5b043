package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// translatedRequest is the normalized form the dispatcher forwards: the
// upstream wire request plus the capability flags and client-facing model id
// the relay needs to shape its output.
type translatedRequest struct {
	upstream *qwenChatRequest
	caps     capabilitySet
	model    string // model id as the client sent it, echoed back in responses
	stream   bool
}

// translator converts OpenAI-shaped chat requests into Qwen wire requests,
// resolving embedded media references through the upload cache.
type translator struct {
	catalog  *modelCatalog
	uploader *uploader

	imageSize      string
	videoSize      string
	thinkingBudget int
}

func newTranslator(catalog *modelCatalog, up *uploader, imageSize, videoSize string, thinkingBudget int) *translator {
	if imageSize == "" {
		imageSize = "1:1"
	}
	if videoSize == "" {
		videoSize = "1280x720"
	}
	if thinkingBudget <= 0 {
		thinkingBudget = 38912
	}
	return &translator{
		catalog:        catalog,
		uploader:       up,
		imageSize:      imageSize,
		videoSize:      videoSize,
		thinkingBudget: thinkingBudget,
	}
}

// translate validates the inbound request and produces the upstream call
// bound to acc. Media uploads happen here, before the request is considered
// translated.
func (t *translator) translate(ctx context.Context, acc *Account, req *chatRequest) (*translatedRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, invalidRequestf("messages must not be empty")
	}
	if req.Model == "" {
		return nil, invalidRequestf("model is required")
	}

	base, caps := parseModelName(req.Model)
	realModel := t.catalog.resolve(base)

	stream := req.Stream
	if caps.generation() {
		// Generation requests return a task id, not tokens; the upstream
		// call is always buffered and the dispatcher re-streams the result.
		stream = false
	}

	messages := make([]qwenMessage, 0, len(req.Messages))
	for i := range req.Messages {
		qm, err := t.translateMessage(ctx, acc, &req.Messages[i], caps)
		if err != nil {
			return nil, err
		}
		messages = append(messages, qm)
	}

	upstream := &qwenChatRequest{
		Stream:            stream,
		IncrementalOutput: true,
		ChatType:          caps.chatType(),
		Model:             realModel,
		Messages:          messages,
		SessionID:         uuid.NewString(),
		ChatID:            uuid.NewString(),
		ID:                uuid.NewString(),
		SubChatType:       caps.chatType(),
		ChatMode:          "normal",
		Temperature:       req.Temperature,
	}
	switch {
	case caps.Draw:
		upstream.Size = t.imageSize
	case caps.Video:
		upstream.Size = t.videoSize
	}

	return &translatedRequest{
		upstream: upstream,
		caps:     caps,
		model:    req.Model,
		stream:   req.Stream,
	}, nil
}

// translateMessage carries one conversation turn over, resolving image parts
// to hosted URLs and attaching the per-message mode and feature config.
func (t *translator) translateMessage(ctx context.Context, acc *Account, msg *chatMessage, caps capabilitySet) (qwenMessage, error) {
	out := qwenMessage{
		Role:          msg.Role,
		ChatType:      caps.messageChatType(),
		Extra:         map[string]any{},
		FeatureConfig: t.featureConfig(caps),
	}

	// String content is the common case.
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		out.Content = text
		return out, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return qwenMessage{}, invalidRequestf("unsupported message content for role %q", msg.Role)
	}
	converted := make([]qwenContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			converted = append(converted, qwenContentPart{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return qwenMessage{}, invalidRequestf("image_url part missing url")
			}
			resolved, err := t.uploader.resolve(ctx, acc, p.ImageURL.URL)
			if err != nil {
				return qwenMessage{}, err
			}
			converted = append(converted, qwenContentPart{Type: "image", Image: resolved})
		default:
			return qwenMessage{}, invalidRequestf("unsupported content part type %q", p.Type)
		}
	}
	out.Content = converted
	return out, nil
}

func (t *translator) featureConfig(caps capabilitySet) *qwenFeatureConfig {
	fc := &qwenFeatureConfig{OutputSchema: "phase"}
	if caps.Thinking && !caps.generation() {
		fc.ThinkingEnabled = true
		fc.ThinkingBudget = t.thinkingBudget
	}
	return fc
}

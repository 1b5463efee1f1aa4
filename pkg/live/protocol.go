package live

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ── Outbound parts ────────────────────────────────────────────────────────────

// MIMETypeJPEG is the MIME type of image frames sent as realtime input.
const MIMETypeJPEG = "image/jpeg"

// Part is one realtime-input media chunk. Data is base64 encoded.
type Part struct {
	MIMEType  string `json:"mimeType"`
	Data      string `json:"data"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// AudioPart builds a realtime part from a captured audio chunk. interrupt
// asks the service to cut off any reply in progress.
func AudioPart(c audio.Chunk, interrupt bool) Part {
	return Part{MIMEType: c.MIMEType(), Data: c.Base64(), Interrupt: interrupt}
}

// ImagePart builds a realtime part from an encoded JPEG frame.
func ImagePart(jpeg []byte) Part {
	return Part{MIMEType: MIMETypeJPEG, Data: base64.StdEncoding.EncodeToString(jpeg)}
}

// ── Inbound content ───────────────────────────────────────────────────────────

// InlineData is binary content embedded in a model turn.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// IsAudio reports whether the payload is audio.
func (d *InlineData) IsAudio() bool {
	return d != nil && strings.HasPrefix(d.MIMEType, "audio/")
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse answers a [FunctionCall].
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ContentPart is one element of a model turn. At most one field is set.
type ContentPart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// ModelTurn is an incremental piece of the model's reply.
type ModelTurn struct {
	Parts []ContentPart `json:"parts"`
}

// Text concatenates every text part in order.
func (t ModelTurn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasFunctionCall reports whether any part carries a function call.
func (t ModelTurn) HasFunctionCall() bool {
	for _, p := range t.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// HasFunctionResponse reports whether any part carries a function response.
func (t ModelTurn) HasFunctionResponse() bool {
	for _, p := range t.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// ── Wire messages (outgoing) ──────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []Part `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

func newSetupMessage(model string, cfg Config) setupMessage {
	if cfg.Model != "" {
		model = cfg.Model
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	msg := setupMessage{Setup: setupConfig{
		Model:            model,
		GenerationConfig: generationConfig{ResponseModalities: modalities},
	}}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	return msg
}

// ── Wire messages (incoming) ──────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCall        `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *ServerError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

type toolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

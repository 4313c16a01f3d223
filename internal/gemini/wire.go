// Package gemini connects voice sessions to the Gemini Live API, either
// through the genai SDK or by speaking the BidiGenerateContent websocket
// protocol directly.
package gemini

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/voice"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Puck"

	inputMIMEType = "audio/pcm;rate=16000"
)

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *clientContent `json:"clientContent,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setupMessage struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []wireTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob carries base64 data, as the JSON protocol encodes bytes.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *schema `json:"parameters,omitempty"`
}

type schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type serverMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

func modelResource(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func voiceName(cfg voice.SessionConfig) string {
	if v := strings.TrimSpace(cfg.Voice); v != "" {
		return v
	}
	return DefaultVoice
}

func newSetup(model string, cfg voice.SessionConfig) setupMessage {
	setup := setupMessage{
		Model: modelResource(model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       &speechConfig{},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voiceName(cfg)
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemPrompt}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toolSchema(tool),
			})
		}
		setup.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	return setup
}

func toolSchema(tool voice.ToolDeclaration) *schema {
	s := &schema{Type: "OBJECT", Required: tool.Required}
	if len(tool.Parameters) > 0 {
		s.Properties = make(map[string]*schema, len(tool.Parameters))
		for name, p := range tool.Parameters {
			s.Properties[name] = &schema{
				Type:        schemaType(p.Type),
				Description: p.Description,
				Enum:        p.Enum,
			}
		}
	}
	return s
}

func schemaType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if t == "" {
		return "STRING"
	}
	return t
}

func encodeOutbound(msg voice.Outbound) (clientMessage, error) {
	switch msg.Kind {
	case voice.OutboundAudio:
		return clientMessage{RealtimeInput: &realtimeInput{
			Audio: &blob{MIMEType: inputMIMEType, Data: msg.Audio},
		}}, nil
	case voice.OutboundText:
		return clientMessage{ClientContent: &clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: msg.Text}}}},
			TurnComplete: true,
		}}, nil
	case voice.OutboundToolResult:
		return clientMessage{ToolResponse: &toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       msg.Result.ID,
				Name:     msg.Result.Name,
				Response: map[string]any{"status": string(msg.Result.Status)},
			}},
		}}, nil
	default:
		return clientMessage{}, fmt.Errorf("unsupported outbound kind %q", msg.Kind)
	}
}

func decodeServerMessage(data []byte) (serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	return msg, nil
}

// inbound splits msg into single-kind messages in dispatch priority order.
func (m serverMessage) inbound() []voice.Inbound {
	var out []voice.Inbound
	sc := m.ServerContent
	if sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, voice.Inbound{Kind: voice.InboundInputTranscription, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, voice.Inbound{Kind: voice.InboundOutputTranscription, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			out = append(out, voice.Inbound{Kind: voice.InboundTurnComplete})
		}
	}
	if m.ToolCall != nil && len(m.ToolCall.FunctionCalls) > 0 {
		calls := make([]voice.ToolInvocation, 0, len(m.ToolCall.FunctionCalls))
		for _, fc := range m.ToolCall.FunctionCalls {
			calls = append(calls, voice.ToolInvocation{ID: fc.ID, Name: fc.Name, Arguments: fc.Args})
		}
		out = append(out, voice.Inbound{Kind: voice.InboundToolCall, Calls: calls})
	}
	if sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				out = append(out, voice.Inbound{
					Kind:       voice.InboundAudio,
					Audio:      p.InlineData.Data,
					SampleRate: sampleRateOf(p.InlineData.MIMEType),
				})
			}
		}
		if sc.Interrupted {
			out = append(out, voice.Inbound{Kind: voice.InboundInterrupted})
		}
	}
	return out
}

// sampleRateOf reads the rate parameter of an audio/pcm MIME type.
func sampleRateOf(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return audio.OutputSampleRate
}

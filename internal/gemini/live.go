package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"google.golang.org/genai"

	"github.com/antoniostano/aiwave/internal/audio"
	"github.com/antoniostano/aiwave/internal/voice"
)

type LiveConfig struct {
	APIKey string
	Model  string
	Logger *log.Logger
}

// LiveDialer connects through the genai SDK Live client.
type LiveDialer struct {
	client *genai.Client
	model  string
	logger *log.Logger
}

func NewLiveDialer(ctx context.Context, cfg LiveConfig) (*LiveDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &LiveDialer{client: client, model: strings.TrimPrefix(cfg.Model, "models/"), logger: cfg.Logger}, nil
}

func (d *LiveDialer) Dial(ctx context.Context, cfg voice.SessionConfig) (voice.Channel, error) {
	session, err := d.client.Live.Connect(ctx, d.model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}
	ch := &liveChannel{
		session: session,
		logger:  d.logger.With("transport", "genai"),
		inbound: make(chan voice.Inbound, inboundBuffer),
		closed:  make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

func liveConnectConfig(cfg voice.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceName(cfg)},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  genaiSchema(toolSchema(tool)),
			})
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return lc
}

func genaiSchema(s *schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(s.Type),
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = genaiSchema(p)
		}
	}
	return out
}

type liveChannel struct {
	session *genai.Session
	logger  *log.Logger
	inbound chan voice.Inbound
	closed  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *liveChannel) Send(_ context.Context, msg voice.Outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return voice.ErrChannelClosed
	default:
	}

	switch msg.Kind {
	case voice.OutboundAudio:
		pcm, err := audio.Decode(msg.Audio)
		if err != nil {
			return err
		}
		return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: inputMIMEType, Data: pcm},
		})
	case voice.OutboundText:
		return c.session.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(msg.Text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	case voice.OutboundToolResult:
		return c.session.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       msg.Result.ID,
				Name:     msg.Result.Name,
				Response: map[string]any{"status": string(msg.Result.Status)},
			}},
		})
	default:
		return fmt.Errorf("unsupported outbound kind %q", msg.Kind)
	}
}

func (c *liveChannel) Subscribe() <-chan voice.Inbound { return c.inbound }

func (c *liveChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *liveChannel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		retErr = c.session.Close()
	})
	return retErr
}

func (c *liveChannel) readLoop() {
	defer close(c.inbound)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		if msg.GoAway != nil {
			c.logger.Info("live service going away")
		}
		for _, in := range fromLive(msg).inbound() {
			select {
			case c.inbound <- in:
			case <-c.closed:
				return
			}
		}
	}
}

// fromLive maps an SDK message onto the wire shape so both transports share
// one splitting order.
func fromLive(msg *genai.LiveServerMessage) serverMessage {
	var out serverMessage
	if msg == nil {
		return out
	}
	if msg.SetupComplete != nil {
		out.SetupComplete = &struct{}{}
	}
	if sc := msg.ServerContent; sc != nil {
		wc := &serverContent{
			TurnComplete: sc.TurnComplete,
			Interrupted:  sc.Interrupted,
		}
		if sc.InputTranscription != nil {
			wc.InputTranscription = &transcription{Text: sc.InputTranscription.Text}
		}
		if sc.OutputTranscription != nil {
			wc.OutputTranscription = &transcription{Text: sc.OutputTranscription.Text}
		}
		if sc.ModelTurn != nil {
			wc.ModelTurn = &content{Role: sc.ModelTurn.Role}
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil {
					continue
				}
				wc.ModelTurn.Parts = append(wc.ModelTurn.Parts, part{InlineData: &blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				}})
			}
		}
		out.ServerContent = wc
	}
	if tc := msg.ToolCall; tc != nil {
		out.ToolCall = &toolCall{}
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out.ToolCall.FunctionCalls = append(out.ToolCall.FunctionCalls, functionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if msg.GoAway != nil {
		out.GoAway = &goAway{}
	}
	return out
}

// Package templates resolves the message content for each contact stage.
//
// Resolution is a three-level fallback: a file asset in the configured asset
// directory overrides the catalog's inline template, which overrides a
// hardcoded generic message. The resolver never returns empty text for a
// known stage. An optional GenAI pass rewrites the message around the lead's
// name; any GenAI failure falls back to the plain template.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/stages"
	"github.com/openai/openai-go"
)

// fallbackTemplate is the last resolution level, used when a stage somehow
// carries no inline template.
const fallbackTemplate = "Hi {{name}}, we tried to reach you about your request. Reply here and we'll get right back to you."

// genaiTimeout bounds the personalization pass so a slow completion never
// stalls a dispatch batch.
const genaiTimeout = 20 * time.Second

const personalizeSystemPrompt = "You polish short outbound sales follow-up messages sent over WhatsApp. " +
	"Rewrite the message naturally around the recipient's first name, keep the same intent and language, " +
	"keep it under 300 characters, and return only the message text."

// Opts holds configuration options for the resolver.
type Opts struct {
	AssetDir string
	GenAI    genai.ClientInterface
}

// Option defines a configuration option for the resolver.
type Option func(*Opts)

// WithAssetDir sets the directory searched for per-stage text and audio files.
func WithAssetDir(dir string) Option {
	return func(o *Opts) {
		o.AssetDir = dir
	}
}

// WithGenAI enables the personalization pass.
func WithGenAI(client genai.ClientInterface) Option {
	return func(o *Opts) {
		o.GenAI = client
	}
}

// Resolver resolves stage message text and audio asset paths.
type Resolver struct {
	assetDir string
	genai    genai.ClientInterface
}

// NewResolver creates a resolver from the given options.
func NewResolver(opts ...Option) *Resolver {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Resolver.NewResolver: creating template resolver", "assetDir", cfg.AssetDir, "genai", cfg.GenAI != nil)
	return &Resolver{assetDir: cfg.AssetDir, genai: cfg.GenAI}
}

// ResolveMessage returns the message text for a stage with the lead's name
// substituted. Unknown stages are the only error case.
func (r *Resolver) ResolveMessage(ctx context.Context, stage models.Stage, leadName string) (string, error) {
	def, err := stages.Lookup(stage)
	if err != nil {
		return "", fmt.Errorf("resolve message: %w", err)
	}

	template := r.loadFileTemplate(stage)
	if template == "" {
		template = def.Template
	}
	if template == "" {
		template = fallbackTemplate
	}

	name := strings.TrimSpace(leadName)
	if name == "" {
		name = "there"
	}
	text := strings.ReplaceAll(template, "{{name}}", name)

	if r.genai != nil {
		if personalized := r.personalize(ctx, text, name); personalized != "" {
			return personalized, nil
		}
	}
	return text, nil
}

// ResolveAudio returns the on-disk path of the stage's voice note, when the
// catalog defines one and the file exists.
func (r *Resolver) ResolveAudio(stage models.Stage) (string, bool) {
	def, err := stages.Lookup(stage)
	if err != nil || def.AudioAsset == "" || r.assetDir == "" {
		return "", false
	}
	path := filepath.Join(r.assetDir, def.AudioAsset)
	if _, err := os.Stat(path); err != nil {
		slog.Debug("Resolver.ResolveAudio: asset file missing", "stage", stage, "path", path)
		return "", false
	}
	return path, true
}

// loadFileTemplate reads the per-stage override file, if any.
func (r *Resolver) loadFileTemplate(stage models.Stage) string {
	if r.assetDir == "" {
		return ""
	}
	path := filepath.Join(r.assetDir, string(stage)+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if text != "" {
		slog.Debug("Resolver.loadFileTemplate: using file override", "stage", stage, "path", path)
	}
	return text
}

// personalize runs the GenAI rewrite. Empty on any failure; the caller falls
// back to the plain text.
func (r *Resolver) personalize(ctx context.Context, text, name string) string {
	ctx, cancel := context.WithTimeout(ctx, genaiTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(personalizeSystemPrompt),
		openai.UserMessage(fmt.Sprintf("Recipient first name: %s\nMessage:\n%s", name, text)),
	}
	out, err := r.genai.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Warn("Resolver.personalize: generation failed, using plain template", "error", err)
		return ""
	}
	out = strings.TrimSpace(out)
	if out == "" || len(out) > 4*len(text)+300 {
		slog.Warn("Resolver.personalize: rejected generated text", "length", len(out))
		return ""
	}
	return out
}

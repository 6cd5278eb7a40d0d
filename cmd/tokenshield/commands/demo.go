package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/tokenshield/internal/config"
	"github.com/amerfu/tokenshield/internal/logger"
	"github.com/amerfu/tokenshield/pkg/chat"
	"github.com/amerfu/tokenshield/pkg/events"
	"github.com/amerfu/tokenshield/pkg/tokenshield"
)

// NewDemoCommand runs a scripted request sequence through the
// pipeline and prints the resulting ledger summary.
func NewDemoCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted sequence through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(*cfgFile)
		},
	}
}

func runDemo(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.Initialize(logger.Config(cfg.Logging))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shieldCfg := cfg.ShieldConfig()
	shieldCfg.Logger = log
	// The script replays identical prompts to show the cache; guard
	// dedup would swallow them first.
	shieldCfg.Guard.DeduplicateWindow = 0
	shield, err := tokenshield.New(shieldCfg)
	if err != nil {
		return fmt.Errorf("init shield: %w", err)
	}
	defer shield.Dispose()

	unsub := shield.Events().On(events.CacheHit, func(payload any) {
		if p, ok := payload.(events.CacheHitPayload); ok {
			log.Info("cache hit",
				zap.String("match_type", p.MatchType),
				zap.Float64("similarity", p.Similarity))
		}
	})
	defer unsub()

	prompts := []string{
		"What is the capital of France?",
		"What is the capital of France?", // exact repeat, should hit
		"what is the capital of france",  // normalized repeat
		"Summarize the plot of Hamlet in two sentences.",
		"Explain the difference between a mutex and a semaphore.",
	}

	ctx := context.Background()
	for _, prompt := range prompts {
		result, err := shield.WrapGenerate(ctx, demoGenerator(prompt), tokenshield.Params{
			Model: "gpt-4o-mini",
			Messages: []chat.Message{
				{Role: chat.RoleUser, Content: prompt},
			},
		})
		if err != nil {
			log.Warn("request rejected", zap.String("prompt", prompt), zap.Error(err))
			continue
		}
		source := "api"
		if result.CacheHit {
			source = "cache"
		}
		fmt.Printf("%-55q  %s\n", prompt, source)
		time.Sleep(50 * time.Millisecond)
	}

	summary := shield.GetSummary()
	fmt.Printf("\nrequests: %d   spent: $%.6f   saved: $%.6f   cache hits: %d\n",
		summary.EntryCount, summary.TotalSpent, summary.TotalSaved, summary.CacheHits)

	report := shield.VerifyLedger()
	fmt.Printf("ledger integrity: %v\n", report.Valid)
	return nil
}

func demoGenerator(prompt string) tokenshield.GenerateFunc {
	return func(ctx context.Context) (*tokenshield.GenerateResult, error) {
		text := "This is a canned demo answer for: " + prompt
		return &tokenshield.GenerateResult{
			Text: text,
			Usage: chat.Usage{
				PromptTokens:     len(prompt) / 4,
				CompletionTokens: len(text) / 4,
				TotalTokens:      len(prompt)/4 + len(text)/4,
			},
			FinishReason: "stop",
		}, nil
	}
}

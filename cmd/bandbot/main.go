// Command bandbot runs the mean-reversion trading agent: a liquidity
// screener, adaptive Bollinger signals, and a stop-managed paper book.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bandbot-go/internal/broker"
	"bandbot-go/internal/config"
	"bandbot-go/internal/engine"
	"bandbot-go/internal/journal"
	"bandbot-go/internal/market"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/notify"
	"bandbot-go/internal/screener"
	"bandbot-go/internal/util"
)

// streamQuoteMaxAge bounds how stale a streamed quote may be before the
// engine falls back to the snapshot provider.
const streamQuoteMaxAge = 30 * time.Second

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "bandbot",
		Short:         "Equity mean-reversion trading agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.AddCommand(runCmd(), screenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bandbot:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log := util.NewLogger(cfg.App.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			provider, err := buildProvider(ctx, cfg, log)
			if err != nil {
				return err
			}
			venue, err := buildBroker(cfg, provider)
			if err != nil {
				return err
			}
			j, err := buildJournal(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer j.Close()

			eng := engine.New(cfg, log, provider, venue, buildNotifier(cfg, log), j)
			srv := metrics.Serve(cfg.App.MetricsAddr, eng)
			defer srv.Close()

			log.Info().Str("env", cfg.App.Env).Str("metrics", cfg.App.MetricsAddr).Msg("starting")
			return eng.Run(ctx)
		},
	}
}

func screenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "screen",
		Short: "Run one screener sweep and print the ranked candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log := util.NewLogger(cfg.App.LogLevel)

			provider, err := buildProvider(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			scr := screener.New(cfg.Screener, cfg.Bands.MaxPeriod, log)
			candidates, results := scr.Screen(cmd.Context(), cfg.Screener.Universe, provider, time.Now())

			for _, c := range candidates {
				fmt.Printf("%-8s dollar_volume=%.0f\n", c.Symbol, c.Score)
			}
			for _, r := range results {
				if !r.Passed {
					fmt.Printf("%-8s rejected: %s\n", r.Symbol, r.Reason)
				}
			}
			fmt.Printf("%d of %d passed\n", len(candidates), len(cfg.Screener.Universe))
			return nil
		},
	}
}

// buildProvider selects the market data source. The websocket stream wraps
// the stub provider so bars and cold quotes still resolve.
func buildProvider(ctx context.Context, cfg *config.Config, log zerolog.Logger) (market.Provider, error) {
	stub := market.NewStubProvider()
	switch cfg.Market.Provider {
	case "", "stub":
		return stub, nil
	case "stream":
		if cfg.Market.StreamURL == "" {
			return nil, fmt.Errorf("market provider %q requires stream_url", cfg.Market.Provider)
		}
		stream := market.NewStreamCache(cfg.Market.StreamURL, stub, streamQuoteMaxAge, log)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("quote stream stopped")
			}
		}()
		return stream, nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Market.Provider)
	}
}

func buildBroker(cfg *config.Config, provider market.Provider) (broker.Broker, error) {
	switch cfg.Broker.Provider {
	case "", "paper":
		prices := func(ctx context.Context, symbol string) (float64, error) {
			q, err := provider.GetLatestQuote(ctx, symbol)
			if err != nil {
				return 0, err
			}
			if q.Bid > 0 && q.Ask > 0 {
				return (q.Bid + q.Ask) / 2, nil
			}
			return q.Last, nil
		}
		return broker.NewPaper(cfg.Broker.StartingCash, prices, cfg.Broker.AlwaysOpen)
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	channels := notify.Multi{notify.NewLog(log)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		channels = append(channels, notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log))
	}
	return channels
}

func buildJournal(ctx context.Context, cfg *config.Config, log zerolog.Logger) (journal.Journal, error) {
	if cfg.Journal.DSN == "" {
		return journal.Nop{}, nil
	}
	j, err := journal.Open(ctx, cfg.Journal.DSN)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	log.Info().Msg("trade journal connected")
	return j, nil
}

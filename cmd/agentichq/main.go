package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rahul/agentichq/internal/agent"
	"github.com/rahul/agentichq/internal/api"
	"github.com/rahul/agentichq/internal/gateway"
	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const appName = "agentichq"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Plan execution engine for tool-using assistants",
		Long: `AgenticHQ turns chat requests into plans of tool calls and runs them
step by step, persisting every step and streaming progress live.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Config file path (JSON, YAML or TOML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		runCmd(&configPath),
		planCmd(&configPath),
		toolsCmd(&configPath),
		keysCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the enabled chat gateways",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	observability.PrintBanner(Version)
	if cfg.App.Dashboard {
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
		// Route all log output through the terminal mutex so it never
		// interrupts the dashboard's cursor save/restore sequence.
		log.SetOutput(observability.NewTermWriter())
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, observability.NewLogger(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.engine.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted plans: %w", err)
	} else if n > 0 {
		log.Printf("Marked %d interrupted plans as failed", n)
	}

	prompts := agent.NewPromptManager(cfg.App.PromptsDir)
	planner := agent.NewPlanner(a.model, a.modelName, a.registry, prompts, a.logger)
	chat := agent.NewChatService(ctx, planner, a.engine, a.store)
	notifier := gateway.NewNotifier(a.hub, a.store)

	srv := api.NewServer(api.Deps{
		Chat:       chat,
		Engine:     a.engine,
		Store:      a.store,
		Hub:        a.hub,
		Keys:       a.keys,
		Tester:     a.tester,
		Tools:      a.registry,
		Metrics:    a.metrics.Handler(),
		RunContext: ctx,
	}, api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))

	gateways := map[string]gateway.Messenger{}
	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, chat, notifier)
		if err != nil {
			return fmt.Errorf("telegram gateway: %w", err)
		}
		gateways["telegram"] = tg
	}
	if dcCfg, ok := cfg.GetDiscordConfig(); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, chat, notifier)
		if err != nil {
			return fmt.Errorf("discord gateway: %w", err)
		}
		gateways["discord"] = dc
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr)
	})
	for name, m := range gateways {
		g.Go(func() error { return runGateway(gctx, name, m) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				observability.Heartbeat()
				a.logger.LogHeartbeat()
			}
		}
	})

	if cfg.App.Dashboard {
		// Live resource dashboard (1-second updates)
		g.Go(func() error {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					observability.PrintLiveStatus()
				}
			}
		})
	}

	err = g.Wait()

	// Running plans observe the cancelled context and record their failure.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := a.engine.Shutdown(shutdownCtx); serr != nil {
		log.Printf("Plans still running at exit: %v", serr)
	}
	notifier.Wait()

	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
	return err
}

func runGateway(ctx context.Context, name string, m gateway.Messenger) error {
	if err := m.Start(ctx); err != nil {
		log.Printf("\033[91m[ FAIL ] %s GATEWAY CRITICAL ERROR: %v\033[0m", name, err)
		return err
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/conduitllm/conduit/internal/config"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/orchestrator"
	"github.com/conduitllm/conduit/internal/telemetry"
	"github.com/conduitllm/conduit/pkg/gateway"
)

var (
	cfgPath string
	verbose bool

	gw       *gateway.Gateway
	shutdown func(context.Context) error
)

func main() {
	root := &cobra.Command{
		Use:           "conduit",
		Short:         "Unified LLM request gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if shutdown != nil {
				_ = shutdown(context.Background())
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(routeCmd(), streamCmd(), planCmd(), execCmd(), modelsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() error {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if cfg.Telemetry.TracingEnabled {
		shutdown, err = telemetry.InitTracer("conduit", logger)
		if err != nil {
			return err
		}
	}

	gw = gateway.New(cfg, gateway.WithLogger(logger))
	return nil
}

func routeCmd() *cobra.Command {
	var model, system, provider string
	var maxCost string
	var fallbackOff bool

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Send a prompt through the gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := buildRequest(model, system, provider, maxCost, strings.Join(args, " "))

			var resp *domain.UnifiedResponse
			var err error
			if fallbackOff {
				resp, err = gw.Route(cmd.Context(), req)
			} else {
				resp, err = gw.RouteWithFallback(cmd.Context(), req)
			}
			if err != nil {
				return err
			}

			fmt.Println(resp.Text())
			slog.Info("request complete",
				"model", resp.Model,
				"provider", resp.Provider,
				"tokens", resp.Usage.TotalTokens,
				"cost_usd", resp.Cost.TotalCost,
				"latency_ms", resp.Latency.TotalMS,
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", gateway.ModelAuto, "model id, or auto")
	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt")
	cmd.Flags().StringVar(&provider, "provider", "", "preferred provider")
	cmd.Flags().StringVar(&maxCost, "max-cost", "", "cost ceiling: low, medium, or high")
	cmd.Flags().BoolVar(&fallbackOff, "no-fallback", false, "fail without trying fallback chains")
	return cmd
}

func streamCmd() *cobra.Command {
	var model, system string

	cmd := &cobra.Command{
		Use:   "stream [prompt]",
		Short: "Stream a completion token by token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := buildRequest(model, system, "", "", strings.Join(args, " "))
			req.Stream = true

			ch, err := gw.Stream(cmd.Context(), req)
			if err != nil {
				return err
			}
			for chunk := range ch {
				if chunk.Err != nil {
					return chunk.Err
				}
				fmt.Print(chunk.Delta)
				if chunk.FinishReason != "" && chunk.Usage != nil {
					fmt.Println()
					slog.Info("stream complete",
						"finish_reason", chunk.FinishReason,
						"tokens", chunk.Usage.TotalTokens,
					)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", gateway.ModelAuto, "model id, or auto")
	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt")
	return cmd
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [task]",
		Short: "Show the execution plan for a task without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := gw.Plan(&orchestrator.Request{Task: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func execCmd() *cobra.Command {
	var showPlan, showStats bool

	cmd := &cobra.Command{
		Use:   "exec [task]",
		Short: "Plan and execute a task across providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, resp, err := gw.Orchestrate(cmd.Context(), &orchestrator.Request{
				Task: strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			if showPlan {
				if err := printJSON(plan); err != nil {
					return err
				}
			}

			fmt.Println(resp.Result)
			slog.Info("orchestration complete",
				"plan_id", resp.PlanID,
				"strategy", resp.Strategy,
				"summary", resp.Summary,
				"tokens", resp.Usage.TotalTokens,
				"cost_usd", resp.Cost.TotalCost,
			)
			if showStats {
				return printJSON(gw.Stats())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPlan, "show-plan", false, "print the execution plan before the result")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print accumulated usage stats after execution")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models advertised by the configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(gw.ListModels(cmd.Context()))
		},
	}
}

func buildRequest(model, system, provider, maxCost, prompt string) *domain.UnifiedRequest {
	req := &domain.UnifiedRequest{Model: model}
	if system != "" {
		req.Messages = append(req.Messages, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: domain.NewTextContent(system),
		})
	}
	req.Messages = append(req.Messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: domain.NewTextContent(prompt),
	})
	if provider != "" || maxCost != "" {
		req.Routing = &domain.RoutingPreferences{
			PreferredProvider: provider,
			MaxCost:           domain.CostTier(maxCost),
		}
	}
	return req
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

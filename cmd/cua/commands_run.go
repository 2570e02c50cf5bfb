package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/haasonsaas/cua/internal/agent"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/gateway"
	"github.com/haasonsaas/cua/internal/observability"
	"github.com/haasonsaas/cua/internal/sessions"
	"github.com/haasonsaas/cua/pkg/models"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		configPath    string
		model         string
		task          string
		sessionID     string
		trajectoryDir string
		osType        string
		providerType  string
		name          string
		image         string
		maxSteps      int
		budget        float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one run against a pre-provisioned computer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" {
				return usageErr(errors.New("--task is required"))
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return configErr(err)
			}
			if model == "" {
				model = cfg.Agent.Model
			}
			if model == "" {
				return configErr(fmt.Errorf("no model: pass --model or set %s", config.EnvModelName))
			}
			if trajectoryDir != "" {
				cfg.Agent.TrajectoryDir = trajectoryDir
			}

			spec := cfg.Computer
			if osType != "" {
				spec.OSType = computer.OSType(osType)
			}
			if providerType != "" {
				spec.ProviderType = providerType
			}
			if name != "" {
				spec.Name = name
			}
			if image != "" {
				spec.Image = image
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			pool := sessions.NewPool(1, cfg.Pool.AcquireTimeout, nil)
			manager := sessions.NewManager(pool, cfg.Session, logger, nil)
			defer manager.Shutdown(cmd.Context())

			server := gateway.NewServer(cfg, manager, agent.DefaultRegistry(), logger, nil)
			result := server.Dispatch(cmd.Context(), &gateway.ResponsesRequest{
				Model: model,
				Input: json.RawMessage(fmt.Sprintf("%q", task)),
				AgentKwargs: &gateway.AgentKwargs{
					SessionID:           sessionID,
					SaveTrajectory:      trajectoryDir != "",
					MaxSteps:            maxSteps,
					MaxTrajectoryBudget: budget,
				},
				ComputerKwargs: &spec,
			}, "")

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return runtimeErr(err)
			}
			switch result.Status {
			case models.RunCompleted:
				return nil
			case models.RunCancelled:
				if cmd.Context().Err() != nil {
					return context.Canceled
				}
				return runtimeErr(errors.New("run cancelled"))
			default:
				return runtimeErr(fmt.Errorf("run failed: %s", result.Error))
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "cua.yaml", "Path to the YAML config file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model string, e.g. anthropic/claude-3-5-sonnet-20241022")
	cmd.Flags().StringVarP(&task, "task", "t", "", "Natural-language task")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session to bind the run to")
	cmd.Flags().StringVar(&trajectoryDir, "save-trajectory", "", "Directory to save the trajectory under")
	cmd.Flags().StringVar(&osType, "os-type", "", "Computer OS: linux, macos or windows")
	cmd.Flags().StringVar(&providerType, "provider-type", "", "Computer provider type")
	cmd.Flags().StringVar(&name, "computer-name", "", "Pre-provisioned computer name")
	cmd.Flags().StringVar(&image, "image", "", "Computer image")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step cap for the run")
	cmd.Flags().Float64Var(&budget, "max-budget", 0, "Trajectory budget in USD")
	return cmd
}

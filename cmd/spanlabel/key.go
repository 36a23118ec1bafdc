package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"spanlabel/internal/cache"
	"spanlabel/internal/config"
)

func (a *app) keyCmd() *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "key <text>",
		Short: "Print the cache key, text prefix and invalidation pattern for a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if policyPath != "" {
				if cfg.Policy, err = config.LoadPolicy(policyPath); err != nil {
					return err
				}
			}
			text := args[0]
			out := struct {
				Key     string `json:"key"`
				Prefix  string `json:"prefix"`
				Pattern string `json:"pattern"`
			}{
				Key:     cache.Key(text, cfg.Policy, cfg.Version, cfg.LLM),
				Prefix:  cache.Prefix(text),
				Pattern: cache.Pattern(text),
			}
			return json.NewEncoder(a.stdout).Encode(out)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "校验策略 YAML 文件")
	return cmd
}

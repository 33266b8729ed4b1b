package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"maskbrowser/internal/shared/config"
	"maskbrowser/internal/shared/types"
)

const iniName = "maskbrowser.ini"

type rootOptions struct {
	configDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "maskbrowser",
		Short:         "Per-profile proxy tunnels, geo-consistent browser identities and RPA jobs.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "configdir", "configs", "Path to config directory")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProxyCmd(opts))
	cmd.AddCommand(newTaskCmd(opts))
	return cmd
}

// loadConfig 读取 configDir 下的 maskbrowser.ini。required 为 false 时文件缺失使用默认值。
func (o *rootOptions) loadConfig(required bool) (*types.Config, error) {
	cfg := config.Default()
	iniPath := filepath.Join(o.configDir, iniName)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
	}
	return cfg, nil
}

func (o *rootOptions) tasksPath() string {
	return filepath.Join(o.configDir, "tasks.json")
}

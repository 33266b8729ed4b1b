package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"maskbrowser/internal/proxy"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/tunnel"
)

func newProxyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and test upstream proxy strings",
	}
	cmd.AddCommand(newProxyParseCmd(), newProxyTestCmd(opts))
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProxyParseCmd() *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "parse <raw>",
		Short: "Normalize a proxy string and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := proxy.Normalize(args[0], proxy.Scheme(scheme))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"scheme":   d.Scheme,
				"host":     d.Host,
				"port":     d.Port,
				"username": d.Username,
				"hasAuth":  d.HasAuth(),
				"url":      d.Redacted(),
			})
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "http", "Scheme assumed when the string has none (http, https, socks5)")
	return cmd
}

func newProxyTestCmd(opts *rootOptions) *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "test <raw>",
		Short: "Fetch the exit IP through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := proxy.Normalize(args[0], proxy.Scheme(scheme))
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogConf); err != nil {
				return err
			}
			m := tunnel.NewManager(tunnel.OptionsFromConfig(cfg.TunnelConf), nil)
			res := m.TestConnectivity(cmd.Context(), d)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("proxy %s is not usable: %s", d.Redacted(), res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "http", "Scheme assumed when the string has none (http, https, socks5)")
	return cmd
}

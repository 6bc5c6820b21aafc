package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	whatsbridge "github.com/uptrix/whatsbridge"
)

var (
	runListen     string
	runGatewayURL string
	runTerminalQR bool
	runVerbose    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runListen, "listen", "", "listen address (overrides config)")
	runCmd.Flags().StringVar(&runGatewayURL, "gateway-url", "", "WhatsApp gateway websocket URL (overrides config)")
	runCmd.Flags().BoolVar(&runTerminalQR, "qr-terminal", false, "also print pairing codes to the terminal")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bridge",
	Long:  "Start the WhatsApp bridge: connect to the gateway, serve the CRM\nwebsocket channel and the /status endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if runListen != "" {
			cfg.Server.Listen = runListen
		}
		if runGatewayURL != "" {
			cfg.Server.GatewayURL = runGatewayURL
		}
		if cfg.Server.GatewayURL == "" {
			return fmt.Errorf("no gateway URL configured (set server.gateway_url or WA_GATEWAY_URL)")
		}
		if runVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		opts := whatsbridge.Options{
			GatewayURL:  cfg.Server.GatewayURL,
			SupabaseURL: cfg.Supabase.URL,
			SupabaseKey: cfg.Supabase.Key,
			AuthDir:     cfg.Auth.Dir,
		}
		if runTerminalQR {
			opts.TerminalQR = os.Stdout
		}

		bridge, err := whatsbridge.New(opts)
		if err != nil {
			return fmt.Errorf("failed to build bridge: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go bridge.Run(ctx)

		srv := &http.Server{
			Addr:    cfg.Server.Listen,
			Handler: bridge.Server.Handler(),
		}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()

		logrus.Printf("servidor WhatsApp rodando em http://localhost%s (%s)", cfg.Server.Listen, bridge.Mode())
		logrus.Printf("aguardando conexão do CRM...")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

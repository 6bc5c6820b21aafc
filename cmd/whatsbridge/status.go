package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	whatsbridge "github.com/uptrix/whatsbridge"
)

var statusURL string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:3001", "base URL of a running bridge")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("bridge unreachable: %w", err)
		}
		defer resp.Body.Close()

		var reply whatsbridge.StatusReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}

		fmt.Printf("Status: %s\n", reply.Status)
		fmt.Printf("Mode:   %s\n", reply.Mode)
		if reply.User != nil {
			fmt.Printf("User:   %s (%s)\n", reply.User.Name, reply.User.ID)
		}
		return nil
	},
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ralphd/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running sidecar's dashboard snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.ListenAddr + "/status")
		if err != nil {
			return fmt.Errorf("ralphd unreachable at %s: %w", cfg.ListenAddr, err)
		}
		defer resp.Body.Close()

		var payload map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("malformed status response: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	},
}

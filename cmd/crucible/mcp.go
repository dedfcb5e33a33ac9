package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/crucible/internal/gateway/httpapi"
	"github.com/jkaninda/crucible/internal/mcp"
)

var mcpAPIKey string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve crucible_experiment_status, crucible_budget_check and crucible_transition
to an MCP client over stdin/stdout. The tools act as the team and user bound to
the API key given by --api-key or CRUCIBLE_API_KEY.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAPIKey, "api-key", "", "API key whose team and user the tools act as (default $CRUCIBLE_API_KEY)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	keys, err := apiKeys(cfg.HTTP.APIKeys)
	if err != nil {
		return err
	}
	key, ok := findKey(keys, envOr("CRUCIBLE_API_KEY", mcpAPIKey))
	if !ok {
		return fmt.Errorf("mcp: --api-key or CRUCIBLE_API_KEY must match a configured http.api_keys entry")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	logger.Info("mcp server starting",
		slog.String("team_id", key.TeamID.String()),
		slog.String("user_id", key.UserID),
	)
	srv := mcp.New(mcp.Services{
		Experiments: sc.Experiments,
		Guard:       sc.Guard,
		Agents:      sc.Agents,
	}, mcp.Principal{TeamID: key.TeamID, UserID: key.UserID}, version, logger)
	return srv.ServeStdio()
}

func findKey(keys []httpapi.APIKey, raw string) (httpapi.APIKey, bool) {
	if raw == "" {
		return httpapi.APIKey{}, false
	}
	var found httpapi.APIKey
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(k.Key)) == 1 {
			found, ok = k, true
		}
	}
	return found, ok
}

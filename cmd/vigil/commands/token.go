package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vigilsh/vigil/internal/api"
	"github.com/vigilsh/vigil/internal/config"
)

// tokenCmd mints a bearer token for the state change endpoint.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	Long: `Mint a signed bearer token for the POST /api/v1/state endpoint. The
signing secret comes from api.auth_secret in the config unless --secret
is given.`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", "", "signing secret (default from config)")
	tokenCmd.Flags().String("subject", "operator", "token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if secret == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		secret = cfg.API.AuthSecret
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: set api.auth_secret or pass --secret")
	}

	token, err := api.IssueToken([]byte(secret), subject, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}

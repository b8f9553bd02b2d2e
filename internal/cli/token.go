package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
)

var tokenFlags struct {
	secret string
	user   string
	scopes []string
	expiry time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for the HTTP API",
	Long:  `Sign a JWT with the configured secret (auth.jwt_secret or JWT_SECRET) unless --secret is given.`,
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.secret, "secret", "", "signing secret")
	tokenCmd.Flags().StringVar(&tokenFlags.user, "user", "", "user ID to embed in the token")
	tokenCmd.Flags().StringSliceVar(&tokenFlags.scopes, "scopes", auth.DefaultScopes, "granted scopes")
	tokenCmd.Flags().DurationVar(&tokenFlags.expiry, "expiry", 0, "token lifetime (default auth.token_expiry)")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secret := tokenFlags.secret
	if secret == "" {
		secret = cfg.Auth.JWTSecret
	}
	if secret == "" {
		return errors.New("no signing secret: set --secret, auth.jwt_secret or JWT_SECRET")
	}
	expiry := tokenFlags.expiry
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}

	token, err := auth.NewJWTManager(secret, expiry).GenerateAccessToken(tokenFlags.user, tokenFlags.user, tokenFlags.scopes)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

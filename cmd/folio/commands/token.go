package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/server/middleware"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/spf13/cobra"
)

var (
	tokenID    string
	tokenRole  string
	tokenOrg   string
	tokenQuiet bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for folio-server",
	Long: `Issue a signed bearer token for an identity. The secret comes from
auth.jwt_secret in folio.yml or FOLIO_JWT_SECRET.

Examples:
  folio token --id alice --role subject --org acme
  curl -H "Authorization: Bearer $(folio token --id bob --role counterparty -q)" ...`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "Identity the token is issued to (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(folio.RoleSubject), "Role: subject, counterparty or admin")
	tokenCmd.Flags().StringVar(&tokenOrg, "org", "", "Organization")
	tokenCmd.Flags().BoolVarP(&tokenQuiet, "quiet", "q", false, "Print only the token")
	tokenCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	actor := folio.Actor{ID: tokenID, Role: folio.Role(tokenRole), OrgID: tokenOrg}
	token, expiresAt, err := middleware.GenerateToken(actor, cfg.Auth)
	if err != nil {
		return printer.Error("failed to issue token", err.Error(), []string{"Set FOLIO_JWT_SECRET or auth.jwt_secret in folio.yml"})
	}

	if tokenQuiet {
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}
	printer.Success("Token for %s (%s) expires %s\n", actor.ID, actor.Role, expiresAt.Format(time.RFC3339))
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

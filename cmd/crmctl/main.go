// Command crmctl runs operator tasks against the CRM database: schema
// migration, bootstrapping the first organization and generating keys.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/validation"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/database"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/crypto"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "crmctl",
		Short:         "Nexus CRM operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), createAdminCmd(), genKeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := util.NewLogger(cfg.Server.Env, "crmctl")
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := connect()
			if err != nil {
				return err
			}
			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// createAdminCmd flags fall back to ADMIN_* environment variables.
func createAdminCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ADMIN")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an organization and its superadmin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			input := auth.RegisterInput{
				Email:     v.GetString("email"),
				Password:  v.GetString("password"),
				FirstName: v.GetString("first_name"),
				LastName:  v.GetString("last_name"),
				OrgName:   v.GetString("org_name"),
			}
			if !validation.IsValidEmail(input.Email) {
				return errors.New("a valid --email is required")
			}
			if ok, msg := validation.IsValidPassword(input.Password); !ok {
				return errors.New(msg)
			}
			if input.FirstName == "" {
				return errors.New("--first-name is required")
			}

			cfg, db, err := connect()
			if err != nil {
				return err
			}
			if v.GetBool("migrate") {
				if err := database.AutoMigrate(db); err != nil {
					return fmt.Errorf("migrating: %w", err)
				}
			}

			svc := auth.NewService(db, auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry()))
			resp, err := svc.Register(cmd.Context(), input)
			if errors.Is(err, auth.ErrUserExists) {
				return fmt.Errorf("user %s already exists", input.Email)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (org %s, id %s)\n",
				resp.User.Email, resp.User.Organization.Name, resp.User.ID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("email", "", "admin email (ADMIN_EMAIL)")
	flags.String("password", "", "admin password (ADMIN_PASSWORD)")
	flags.String("first-name", "", "admin first name (ADMIN_FIRST_NAME)")
	flags.String("last-name", "", "admin last name (ADMIN_LAST_NAME)")
	flags.String("org-name", "", "organization name (ADMIN_ORG_NAME)")
	flags.Bool("migrate", false, "migrate the schema first")

	for key, flag := range map[string]string{
		"email":      "email",
		"password":   "password",
		"first_name": "first-name",
		"last_name":  "last-name",
		"org_name":   "org-name",
		"migrate":    "migrate",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Print a new ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"porter/internal/fly"

	"github.com/spf13/cobra"
)

var (
	validateMode  string
	validateApp   string
	validateToken string
)

var validateComputeCmd = &cobra.Command{
	Use:   "validate-compute",
	Short: "Check that the Fly credentials can launch workers",
	Long: `Check that the Fly credentials can launch workers.

Token and app default to the settings file and FLY_API_TOKEN / FLY_APP_NAME.

Examples:
  porter validate-compute --mode org
  porter validate-compute --mode deploy --app porter-workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.settings.GetConfig(ctx)
		if err != nil {
			return err
		}
		token, app := validateToken, validateApp
		if token == "" {
			token = current.Fly.Token
		}
		if app == "" {
			app = current.Fly.App
		}

		result := a.machines.ValidateCredentials(ctx, token, app, fly.ValidationMode(validateMode))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Ready() {
			return fmt.Errorf("compute credentials not ready: %s", result.Status)
		}
		return nil
	},
}

func init() {
	validateComputeCmd.Flags().StringVar(&validateMode, "mode", string(fly.ModeDeploy), "Validation mode: org or deploy")
	validateComputeCmd.Flags().StringVar(&validateApp, "app", "", "Fly app name")
	validateComputeCmd.Flags().StringVar(&validateToken, "token", "", "Fly API token")
}

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/types"
)

var prayFlags struct {
	user string
}

var prayCmd = &cobra.Command{
	Use:   "pray <content>",
	Short: "Create a prayer",
	Args:  cobra.ExactArgs(1),
	RunE:  runPray,
}

func init() {
	prayCmd.Flags().StringVar(&prayFlags.user, "user", "", "owner of the prayer (required)")
	prayCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(prayCmd)
}

func runPray(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, newLogger(os.Stderr, cfg.Log))
	if err != nil {
		return err
	}

	p, err := client.CreatePrayer(cmd.Context(), types.NewPrayerRequest{
		UserID:  prayFlags.user,
		Content: args[0],
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(p)
}

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/types"
)

var respondFlags struct {
	prayer string
	author string
	kind   string
}

var respondCmd = &cobra.Command{
	Use:   "respond [message]",
	Short: "Respond to a prayer",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRespond,
}

var unrespondCmd = &cobra.Command{
	Use:   "unrespond <response-id>",
	Short: "Delete a response",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnrespond,
}

func init() {
	respondCmd.Flags().StringVar(&respondFlags.prayer, "prayer", "", "prayer to respond to (required)")
	respondCmd.Flags().StringVar(&respondFlags.author, "author", "", "responding user (required)")
	respondCmd.Flags().StringVar(&respondFlags.kind, "kind", string(types.ResponsePrayed), "response kind: prayed, comment or encouragement")
	respondCmd.MarkFlagRequired("prayer")
	respondCmd.MarkFlagRequired("author")
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(unrespondCmd)
}

func runRespond(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, newLogger(os.Stderr, cfg.Log))
	if err != nil {
		return err
	}

	req := types.NewResponseRequest{
		AuthorID: respondFlags.author,
		Kind:     types.ResponseKind(respondFlags.kind),
	}
	if len(args) == 1 {
		req.Message = args[0]
	}
	r, err := client.CreateResponse(cmd.Context(), respondFlags.prayer, req)
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(r)
}

func runUnrespond(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, newLogger(os.Stderr, cfg.Log))
	if err != nil {
		return err
	}
	return client.DeleteResponse(cmd.Context(), args[0])
}

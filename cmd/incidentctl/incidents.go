package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/logiwatch/incident-orchestrator/internal/client"
)

func newDeclareCommand(opts *rootOptions) *cobra.Command {
	var req client.DeclareRequest

	cmd := &cobra.Command{
		Use:   "declare <shipment-id> <title>",
		Short: "Declare an incident against a shipment",
		Long: `Declare an incident against an in-transit shipment.

Example:
  incidentctl declare SHIP-1042 "Reefer unit failure" --description "Temp rising"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ShipmentID = args[0]
			req.Title = args[1]
			inc, err := opts.client().Declare(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inc)
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "incident ID (generated when empty)")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	return cmd
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <incident-id>",
		Short: "Start resource discovery for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Discover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every incident and its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d incidents\n", n)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

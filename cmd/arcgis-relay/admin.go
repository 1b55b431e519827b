package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newSyncGroupsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-groups",
		Short: "Refresh the cached portal group directory once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(commandContext(cmd), syncTimeout)
			defer cancel()

			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.store.Close()

			n, err := a.directorySync().Run(ctx)
			if err != nil {
				return fmt.Errorf("sync groups: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d groups\n", n)
			return nil
		},
	}
}

func newSetAccessCommand(use, short string, state identity.AccessState) *cobra.Command {
	return &cobra.Command{
		Use:   use + " EMAIL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAccess(cmd, use, args[0], state)
		},
	}
}

func newSetAccessStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-access EMAIL STATE",
		Short: "Set a user's access state (allowed, disallowed or unset)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := identity.ParseAccessState(args[1])
			if err != nil {
				return err
			}
			return setAccess(cmd, "set-access", args[0], state)
		},
	}
}

func setAccess(cmd *cobra.Command, op, email string, state identity.AccessState) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.store.Close()

	rec, err := a.engine().SetState(ctx, email, state)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", email, rec.State)
	return nil
}

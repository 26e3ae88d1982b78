package main

import (
	"context"
	"fmt"

	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/spf13/cobra"
)

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "Manage invite codes",
}

var invitesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch of invite codes and print them",
	RunE:  runInvitesCreate,
}

var (
	inviteCreator  string
	inviteQuantity int
	inviteDays     int
)

func init() {
	invitesCreateCmd.Flags().StringVar(&inviteCreator, "creator-email", "", "email of the admin or partner issuing the codes (required)")
	invitesCreateCmd.Flags().IntVar(&inviteQuantity, "quantity", 1, "number of codes to create")
	invitesCreateCmd.Flags().IntVar(&inviteDays, "days", 0, "membership days granted per code (0 uses the configured default)")
	_ = invitesCreateCmd.MarkFlagRequired("creator-email")
	invitesCmd.AddCommand(invitesCreateCmd)
	rootCmd.AddCommand(invitesCmd)
}

func runInvitesCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	creator, err := a.users.GetByEmail(ctx, inviteCreator)
	if err != nil {
		return fmt.Errorf("looking up creator: %w", err)
	}

	invites, err := a.svc.CreateInvites(ctx, user.ToPrincipal(creator), inviteQuantity, inviteDays)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		fmt.Println(inv.Code)
	}
	if len(invites) < inviteQuantity {
		return fmt.Errorf("created %d of %d codes", len(invites), inviteQuantity)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/db"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the first admin or partner account",
	RunE:  runSeed,
}

var (
	seedEmail     string
	seedPassword  string
	seedFirstName string
	seedLastName  string
	seedRole      string
)

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", "", "account email (required)")
	seedCmd.Flags().StringVar(&seedPassword, "password", "", "account password (generated when empty)")
	seedCmd.Flags().StringVar(&seedFirstName, "first-name", "Site", "first name")
	seedCmd.Flags().StringVar(&seedLastName, "last-name", "Admin", "last name")
	seedCmd.Flags().StringVar(&seedRole, "role", user.RoleAdmin, "account role: admin or partner")
	_ = seedCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	if seedRole != user.RoleAdmin && seedRole != user.RolePartner {
		return fmt.Errorf("role must be admin or partner, got %q", seedRole)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	users := user.NewStore(pool)

	existing, err := users.GetByEmail(ctx, seedEmail)
	switch {
	case err == nil:
		slog.Info("account already exists, skipping seed", "id", existing.ID, "role", existing.Role)
		return nil
	case !errors.Is(err, user.ErrNotFound):
		return fmt.Errorf("checking existing account: %w", err)
	}

	password := seedPassword
	generated := password == ""
	if generated {
		password, err = user.GenerateTempPassword(16)
		if err != nil {
			return err
		}
	} else if err := user.ValidatePassword(password); err != nil {
		return err
	}

	username, err := user.UniqueUsername(ctx, seedEmail, users.UsernameExists)
	if err != nil {
		return err
	}

	u, err := users.Create(ctx, user.CreateUserInput{
		Email:     seedEmail,
		Username:  username,
		Password:  password,
		FirstName: seedFirstName,
		LastName:  seedLastName,
		Role:      seedRole,
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", seedRole, err)
	}

	slog.Info("created account", "id", u.ID, "role", u.Role)
	fmt.Printf("\n=== Account Seeded ===\n")
	fmt.Printf("Role:      %s\n", u.Role)
	fmt.Printf("Email:     %s\n", u.Email)
	fmt.Printf("Username:  %s\n", u.Username)
	if generated {
		fmt.Printf("Password:  %s\n", password)
		fmt.Printf("\nSave this password now; it is not shown again.\n")
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current balance and accrual period",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show a live countdown of the running accrual period",
	RunE:  runWatch,
}

var usernameCmd = &cobra.Command{
	Use:     "username NAME",
	Short:   "Confirm the username (can only be done once)",
	Example: `  earn --identity alice@example.com username alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUsername,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a 24 hour accrual period",
	RunE:  runStart,
}

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Print the invitation text",
	RunE:  runShare,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore a missing or corrupt record from the backup",
	RunE:  runRecover,
}

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List identities with a stored record",
	RunE:  runIdentities,
}

func init() {
	rootCmd.AddCommand(statusCmd, watchCmd, usernameCmd, startCmd, shareCmd, recoverCmd, identitiesCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	key := identityKey()
	session, snap, err := a.engine.Snapshot(cmd.Context(), key, time.Now())
	if err != nil {
		return err
	}

	printStatus(key, session, snap)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key := identityKey()
	interval := parseDuration(a.cfg.Server.PollInterval, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	for {
		_, snap, err := a.engine.Snapshot(ctx, key, time.Now())
		if err != nil {
			return err
		}

		fmt.Print("\r")
		if snap.IsActive {
			green.Printf("MINING  %s", earn.FormatCountdown(snap.SecondsRemaining))
		} else {
			yellow.Print("IDLE    --:--:--")
		}
		fmt.Printf("  mined %.8f IQU  balance %.8f IQU  rate %.3f IQU/hr ", snap.MinedAmount, snap.Balance, snap.EffectiveRate)

		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}

func runUsername(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	name, err := a.engine.ConfirmUsername(cmd.Context(), identityKey(), args[0])
	if name == "" {
		return err
	}
	if err := warnPersistence(err); err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Printf("✅ Username confirmed: %s\n", name)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	key := identityKey()
	session, err := a.engine.StartAccrual(cmd.Context(), key, now)
	if session == nil {
		return err
	}
	if err := warnPersistence(err); err != nil {
		return err
	}

	printStatus(key, session, earn.ComputeSnapshot(session, now))
	return nil
}

func runShare(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := a.engine.ShareText(cmd.Context(), identityKey())
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	key := identityKey()
	session, err := a.engine.Recover(cmd.Context(), key)
	if session == nil {
		return err
	}
	if err := warnPersistence(err); err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Printf("✅ Session for %s recovered\n", key)
	printStatus(key, session, earn.ComputeSnapshot(session, time.Now()))
	return nil
}

func runIdentities(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.engine.Identities(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// printStatus prints a session summary with colors
func printStatus(key string, session *earn.Session, snap earn.Snapshot) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("IQU MINING")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Identity:   %s\n", key)
	if session.UsernameLocked() {
		fmt.Printf("Username:   %s\n", session.Username)
	} else {
		fmt.Printf("Username:   (not set - run `earn username NAME`)\n")
	}
	fmt.Println()

	cyan.Print("Status:     ")
	if snap.IsActive {
		green.Println("MINING")
		fmt.Printf("            → Ends in %s (%s)\n", earn.FormatCountdown(snap.SecondsRemaining), session.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		yellow.Println("IDLE")
		fmt.Println("            → Run `earn start` to begin a 24h period")
	}
	fmt.Println()

	fmt.Printf("Mined:      %.8f IQU\n", snap.MinedAmount)
	fmt.Printf("Balance:    %.8f IQU\n", snap.Balance)
	fmt.Printf("Rate:       %.3f IQU/hr (base %.2f IQU/hr + %.2f IQU/hr referral bonus)\n",
		snap.EffectiveRate, session.BaseRate, snap.EffectiveRate-session.BaseRate)
	fmt.Printf("Team:       %02d/%02d active\n", snap.ActiveReferrals, snap.TotalReferrals)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

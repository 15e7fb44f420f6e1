package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/spf13/cobra"
)

var referralActive bool

var referralsCmd = &cobra.Command{
	Use:   "referrals",
	Short: "Manage the referral team",
	RunE:  runReferralsList,
}

var referralsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the referral team",
	RunE:  runReferralsList,
}

var referralsAddCmd = &cobra.Command{
	Use:     "add NAME HANDLE",
	Short:   "Add a member to the referral team",
	Example: `  earn referrals add Alex alex1001 --active`,
	Args:    cobra.ExactArgs(2),
	RunE:    runReferralsAdd,
}

var referralsActivateCmd = &cobra.Command{
	Use:   "activate HANDLE",
	Short: "Mark a referral as active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setReferralActive(cmd, args[0], true)
	},
}

var referralsDeactivateCmd = &cobra.Command{
	Use:   "deactivate HANDLE",
	Short: "Mark a referral as inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setReferralActive(cmd, args[0], false)
	},
}

var referralsInactiveCmd = &cobra.Command{
	Use:   "inactive",
	Short: "List members to ping",
	RunE:  runReferralsInactive,
}

func init() {
	referralsAddCmd.Flags().BoolVar(&referralActive, "active", false, "Add the referral as active")

	referralsCmd.AddCommand(referralsListCmd, referralsAddCmd, referralsActivateCmd, referralsDeactivateCmd, referralsInactiveCmd)
	rootCmd.AddCommand(referralsCmd)
}

func runReferralsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	session, snap, err := a.engine.Snapshot(cmd.Context(), identityKey(), time.Now())
	if err != nil {
		return err
	}

	printReferrals(session.Referrals, snap)
	return nil
}

func runReferralsAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	referral := earn.Referral{Name: args[0], Handle: args[1], Active: referralActive}
	session, err := a.engine.AddReferral(cmd.Context(), identityKey(), referral, now)
	if session == nil {
		return err
	}
	if err := warnPersistence(err); err != nil {
		return err
	}

	printReferrals(session.Referrals, earn.ComputeSnapshot(session, now))
	return nil
}

func setReferralActive(cmd *cobra.Command, handle string, active bool) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	session, err := a.engine.SetReferralActive(cmd.Context(), identityKey(), handle, active, now)
	if session == nil {
		return err
	}
	if err := warnPersistence(err); err != nil {
		return err
	}

	printReferrals(session.Referrals, earn.ComputeSnapshot(session, now))
	return nil
}

func runReferralsInactive(cmd *cobra.Command, args []string) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	inactive, err := a.engine.InactiveReferrals(cmd.Context(), identityKey())
	if err != nil {
		return err
	}

	if len(inactive) == 0 {
		color.New(color.FgGreen).Println("Everyone on the team is active")
		return nil
	}
	for _, r := range inactive {
		fmt.Printf("@%s (%s)\n", r.Handle, r.Name)
	}
	return nil
}

// printReferrals prints the team with an activity marker per member
func printReferrals(referrals []earn.Referral, snap earn.Snapshot) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	grey := color.New(color.FgHiBlack)

	cyan.Printf("Referral Team %02d/%02d", snap.ActiveReferrals, snap.TotalReferrals)
	fmt.Printf("  (rate %.3f IQU/hr)\n", snap.EffectiveRate)

	for _, r := range referrals {
		if r.Active {
			green.Printf("  ● %-12s @%s\n", r.Name, r.Handle)
		} else {
			grey.Printf("  ○ %-12s @%s\n", r.Name, r.Handle)
		}
	}
}

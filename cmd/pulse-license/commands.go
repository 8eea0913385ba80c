package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/auth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withServices loads the stack for the duration of one command.
func withServices(fn func(cmd *cobra.Command, args []string, svc *services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, err := loadServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(cmd, args, svc)
	}
}

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage the base license",
}

var licenseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current license status",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		lic := svc.validator.Status(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\nTier:   %s\n", lic.Status, lic.EffectiveTier().DisplayName())
		if lic.ExpiresAt != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Expires: %s\n", lic.ExpiresAt.Format("2006-01-02"))
		}
		if lic.SitesLimit > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Sites:  %d/%d\n", lic.SitesUsed, lic.SitesLimit)
		}
		if lic.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Message: %s\n", lic.Message)
		}
		return nil
	}),
}

var licenseActivateCmd = &cobra.Command{
	Use:   "activate <license-key>",
	Short: "Activate a license key for this site",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		result, err := svc.validator.Activate(cmd.Context(), args[0])
		if err != nil {
			if result.Message != "" {
				return fmt.Errorf("%s", result.Message)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Message)
		fmt.Fprintf(cmd.OutOrStdout(), "Tier: %s\n", result.License.EffectiveTier().DisplayName())
		return nil
	}),
}

var licenseDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Remove the license from this site",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		result, err := svc.validator.Deactivate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Message)
		return nil
	}),
}

var checkPrincipal string

var checkCmd = &cobra.Command{
	Use:   "check <feature>",
	Short: "Check whether a feature is available",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		d := svc.gate.Decide(cmd.Context(), args[0], checkPrincipal)
		out := map[string]interface{}{"decision": d}
		if prompt, ok := svc.gate.UpgradePrompt(d); ok {
			out["upgrade"] = prompt
		}
		return printJSON(cmd.OutOrStdout(), out)
	}),
}

var addonsCmd = &cobra.Command{
	Use:   "addons",
	Short: "List and manage addons",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		ctx := cmd.Context()
		active := map[string]bool{}
		for _, id := range svc.addons.ActiveIDs(ctx) {
			active[id] = true
		}
		tier := svc.validator.CurrentTier(ctx)
		out := cmd.OutOrStdout()
		for _, a := range svc.addons.Catalog() {
			state := "inactive"
			if active[a.ID] {
				state = "active"
			}
			line := fmt.Sprintf("%-24s %-8s requires %s", a.ID, state, a.RequiredTier.DisplayName())
			if a.CreditBased() {
				if balance, err := svc.addons.CreditBalance(ctx, a.ID); err == nil {
					line += fmt.Sprintf(", %d credits", balance)
				}
			}
			if p, ok := svc.addons.Pricing(a.ID, tier); ok && !active[a.ID] {
				line += fmt.Sprintf(", $%.2f/mo", p.FinalPrice)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	}),
}

var addonsActivateCmd = &cobra.Command{
	Use:   "activate <addon> <license-key>",
	Short: "Activate an addon",
	Args:  cobra.ExactArgs(2),
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		result, err := svc.addons.ActivateAddon(cmd.Context(), args[0], args[1])
		if err != nil {
			if result.Message != "" {
				return fmt.Errorf("%s", result.Message)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Message)
		return nil
	}),
}

var addonsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <addon>",
	Short: "Deactivate an addon",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		result, err := svc.addons.DeactivateAddon(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Message)
		return nil
	}),
}

var (
	creditsConsume string
	creditsCost    int
)

var creditsCmd = &cobra.Command{
	Use:   "credits <addon>",
	Short: "Show or consume addon credits",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		ctx := cmd.Context()
		id := args[0]
		if creditsConsume != "" {
			var cost *int
			if cmd.Flags().Changed("cost") {
				cost = &creditsCost
			}
			if _, err := svc.addons.ConsumeCredits(ctx, id, creditsConsume, cost); err != nil {
				return err
			}
		}
		balance, err := svc.addons.CreditBalance(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", id, balance)
		return nil
	}),
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the licensing server",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		status, err := svc.client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("licensing server %s is unhealthy: %w", svc.client.BaseURL(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (version %s, %dms)\n", svc.client.BaseURL(), status.Status, status.Version, status.ResponseTimeMS)
		return nil
	}),
}

var (
	registerName  string
	registerEmail string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this site with the licensing server",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		ctx := cmd.Context()
		reg, err := svc.client.RegisterSite(ctx, apiclient.SiteInfo{
			SiteURL:       svc.cfg.SiteURL,
			SiteName:      registerName,
			AdminEmail:    registerEmail,
			PluginVersion: svc.cfg.PluginVersion,
			Platform:      runtime.GOOS,
		})
		if err != nil {
			return err
		}
		if err := svc.tokens.SetSiteRegistration(ctx, reg.APIKey, reg.SiteID); err != nil {
			return fmt.Errorf("store registration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered site %s\n", reg.SiteID)
		return nil
	}),
}

var loginUsername string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the licensing server",
	Args:  cobra.NoArgs,
	RunE: withServices(func(cmd *cobra.Command, args []string, svc *services) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		if err := svc.tokens.Authenticate(cmd.Context(), auth.Credentials{Username: loginUsername, Password: password}); err != nil {
			return err
		}
		st := svc.tokens.Status(cmd.Context())
		if st.TokenExpires != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in; token valid until %s\n", st.TokenExpires.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
		}
		return nil
	}),
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	licenseCmd.AddCommand(licenseStatusCmd, licenseActivateCmd, licenseDeactivateCmd)
	addonsCmd.AddCommand(addonsActivateCmd, addonsDeactivateCmd)

	checkCmd.Flags().StringVar(&checkPrincipal, "principal", "", "principal to check local capabilities for")
	creditsCmd.Flags().StringVar(&creditsConsume, "consume", "", "operation to consume credits for")
	creditsCmd.Flags().IntVar(&creditsCost, "cost", 0, "override the catalog cost of the operation")
	registerCmd.Flags().StringVar(&registerName, "name", "", "site name")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "administrator email")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "account username")
	_ = loginCmd.MarkFlagRequired("username")
}

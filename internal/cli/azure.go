package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"azure-utilities/internal/identity"
	"azure-utilities/internal/resources"
)

var (
	loginMethod   string
	loginUsername string
	loginPassword string
	loginAppID    string
	loginSecret   string
	loginTenant   string
	loginCreateSP bool
	loginAppName  string
	loginSkipRole bool
	spName        string
	spSkipRole    bool
	groupLocation string
	accountGroup  string
	accountName   string
	accountRegion string
	accountSKU    string
	accountKind   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log into Azure with the CLI, a password, a service principal or the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		method, err := identity.ParseMethod(loginMethod)
		if err != nil {
			return err
		}
		opts := identity.LoginOptions{
			Method:                 method,
			Username:               loginUsername,
			Password:               loginPassword,
			CreateServicePrincipal: loginCreateSP,
			AppName:                loginAppName,
			SkipAssignment:         loginSkipRole,
			Azure:                  a.Config.Azure,
		}
		if loginAppID != "" || loginSecret != "" || loginTenant != "" {
			opts.ServicePrincipal = &identity.ServicePrincipal{AppID: loginAppID, Password: loginSecret, Tenant: loginTenant}
		}

		id, err := a.Authenticator().Login(cmd.Context(), opts)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "subscription: %s\n", id.SubscriptionID)
		if id.Principal != nil {
			for _, kv := range id.Principal.Env(id.SubscriptionID) {
				fmt.Fprintf(out, "export %s\n", kv)
			}
		}
		return nil
	},
}

var spCmd = &cobra.Command{
	Use:   "sp",
	Short: "Manage service principals",
}

var spCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a service principal with Contributor on the subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		sp, err := a.Authenticator().CreateServicePrincipal(cmd.Context(), spName, spSkipRole, a.Config.Azure.SubscriptionID)
		if err != nil {
			return err
		}
		for _, kv := range sp.Env(a.Config.Azure.SubscriptionID) {
			fmt.Fprintf(cmd.OutOrStdout(), "export %s\n", kv)
		}
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage resource groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create or update a resource group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		groups, err := a.Groups()
		if err != nil {
			return err
		}
		location := groupLocation
		if location == "" {
			location = a.Config.Azure.Region
		}
		return groups.CreateOrUpdate(cmd.Context(), args[0], location)
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a resource group and wait for completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := getApp().Groups()
		if err != nil {
			return err
		}
		return groups.Delete(cmd.Context(), args[0])
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resource groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := getApp().Groups()
		if err != nil {
			return err
		}
		list, err := groups.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "Name\tLocation\tState")
		for _, g := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", g.Name, g.Location, g.State)
		}
		return w.Flush()
	},
}

var groupCleanupCmd = &cobra.Command{
	Use:   "cleanup NAME",
	Short: "List every resource in a group, then delete the group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		groups, err := a.Groups()
		if err != nil {
			return err
		}
		report := resources.CleanUp(cmd.Context(), groups, args[0], a.Logger)
		fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
		return nil
	},
}

var storageAccountCmd = &cobra.Command{
	Use:   "storage-account",
	Short: "Manage storage accounts",
}

var storageAccountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a storage account and print its connection string",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		accounts, err := a.StorageAccounts()
		if err != nil {
			return err
		}
		region := accountRegion
		if region == "" {
			region = a.Config.Azure.Region
		}
		info, err := accounts.Create(cmd.Context(), resources.CreateAccountOptions{
			ResourceGroup: accountGroup,
			Name:          accountName,
			Location:      region,
			SKU:           accountSKU,
			Kind:          accountKind,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account: %s\n", info.Name)
		fmt.Fprintf(out, "export AZUTIL_STORAGE_CONNECTION_STRING=%q\n", info.ConnectionString)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginMethod, "method", "cli", "cli, password, service-principal or environment")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Username for password login")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password for password login")
	loginCmd.Flags().StringVar(&loginAppID, "app-id", "", "Service principal application id")
	loginCmd.Flags().StringVar(&loginSecret, "secret", "", "Service principal secret")
	loginCmd.Flags().StringVar(&loginTenant, "tenant", "", "Service principal tenant")
	loginCmd.Flags().BoolVar(&loginCreateSP, "create-sp", false, "Create a new service principal and log in with it")
	loginCmd.Flags().StringVar(&loginAppName, "app-name", "", "Name for the created service principal")
	loginCmd.Flags().BoolVar(&loginSkipRole, "skip-assignment", false, "Do not grant the created principal Contributor")

	spCreateCmd.Flags().StringVar(&spName, "name", "", "Service principal name (generated when empty)")
	spCreateCmd.Flags().BoolVar(&spSkipRole, "skip-assignment", false, "Do not grant Contributor on the subscription")
	spCmd.AddCommand(spCreateCmd)

	groupCreateCmd.Flags().StringVar(&groupLocation, "location", "", "Region (defaults to azure.region)")
	groupCmd.AddCommand(groupCreateCmd, groupDeleteCmd, groupListCmd, groupCleanupCmd)

	storageAccountCreateCmd.Flags().StringVar(&accountGroup, "group", "", "Resource group, created when missing")
	storageAccountCreateCmd.Flags().StringVar(&accountName, "name", "", "Account name (generated when empty)")
	storageAccountCreateCmd.Flags().StringVar(&accountRegion, "location", "", "Region (defaults to azure.region)")
	storageAccountCreateCmd.Flags().StringVar(&accountSKU, "sku", "", "SKU name, e.g. Standard_LRS")
	storageAccountCreateCmd.Flags().StringVar(&accountKind, "kind", "", "Account kind, e.g. StorageV2")
	_ = storageAccountCreateCmd.MarkFlagRequired("group")
	storageAccountCmd.AddCommand(storageAccountCreateCmd)
}

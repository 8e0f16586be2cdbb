package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"azure-utilities/internal/cleanup"
)

var (
	cleanupDir        string
	cleanupWithBinary bool
	cleanupGroup      string
	cleanupAddr       string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Generate, deploy and run the scheduled resource group cleanup function",
}

var cleanupGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write host.json and the timer trigger into a function app directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := getApp().GenerateCleanup(cleanupDir, cleanupWithBinary)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
}

var cleanupDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create the function app resources and publish the cleanup function",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := getApp().DeployCleanup(cmd.Context(), cleanupDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s in %s\n", opts.FunctionApp, opts.ResourceGroup)
		return nil
	},
}

var cleanupServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve timer invocations from the Functions host",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getApp().CleanupHandler(cleanupGroup)
		if err != nil {
			return err
		}
		return cleanup.Serve(cmd.Context(), cleanupAddr, h)
	},
}

var cleanupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Delete the cleanup resource group once",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().RunCleanup(cmd.Context(), cleanupGroup)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
		return nil
	},
}

func init() {
	cleanupCmd.PersistentFlags().StringVar(&cleanupDir, "dir", "", "Function app directory (defaults to cleanup.output_dir)")
	cleanupCmd.PersistentFlags().StringVar(&cleanupGroup, "group", "", "Resource group to delete (defaults to cleanup.resource_group)")
	cleanupGenerateCmd.Flags().BoolVar(&cleanupWithBinary, "with-binary", false, "Copy this executable into the app directory")
	cleanupServeCmd.Flags().StringVar(&cleanupAddr, "addr", "", "Listen address when FUNCTIONS_CUSTOMHANDLER_PORT is unset")

	cleanupCmd.AddCommand(cleanupGenerateCmd, cleanupDeployCmd, cleanupServeCmd, cleanupRunCmd)
}

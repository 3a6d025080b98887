// gsadmin administers a search appliance through its web admin console:
// configuration export/import with HMAC signing, standalone sign/verify
// of export files, database sync, URL export, mirroring status, and
// vendor support scripts.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/mccnet/gsadmin/internal/gsa"
	"github.com/mccnet/gsadmin/internal/gsaconfig"
)

var (
	conf   gsa.Config
	logger *zap.Logger

	hostname     string
	port         int
	username     string
	signPassword string
	verbose      bool

	inputFile  string
	outputFile string
	sources    string
	timeoutSec int
)

var rootCmd = &cobra.Command{
	Use:           "gsadmin",
	Short:         "Administer a search appliance through its admin console",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = gsa.GetConfig()
		if err != nil {
			return err
		}
		if hostname != "" {
			conf.Hostname = hostname
		}
		if port != 0 {
			conf.Port = port
		}
		if username != "" {
			conf.Username = username
		}
		if verbose {
			conf.Debug = true
		}
		logger = gsa.GetLogger(conf.Debug)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a configuration export file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == "" || outputFile == "" {
			return errors.New("sign requires --input-file and --output")
		}
		password, err := requireSignPassword()
		if err != nil {
			return err
		}
		logger.Info("signing", zap.String("file", inputFile))
		doc, err := gsaconfig.LoadFile(inputFile)
		if err != nil {
			return err
		}
		if err := doc.Sign(password); err != nil {
			return err
		}
		logger.Info("writing signed file", zap.String("file", outputFile))
		return doc.WriteFile(outputFile)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the signature embedded in a configuration export file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == "" {
			return errors.New("verify requires --input-file")
		}
		password, err := requireSignPassword()
		if err != nil {
			return err
		}
		doc, err := gsaconfig.LoadFile(inputFile)
		if err != nil {
			return err
		}
		ok, err := doc.Verify(password)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("signature does NOT match supplied password")
		}
		fmt.Println("signature matches supplied password")
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the appliance configuration to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFile == "" {
			return errors.New("export requires --output")
		}
		password, err := requireSignPassword()
		if err != nil {
			return err
		}
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())

		logger.Info("exporting config",
			zap.String("hostname", conf.Hostname), zap.String("file", outputFile))
		doc, err := client.ExportConfig(cmd.Context(), password)
		if err != nil {
			return err
		}
		return doc.WriteFile(outputFile)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a configuration export file into the appliance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == "" {
			return errors.New("import requires --input-file")
		}
		password, err := requireSignPassword()
		if err != nil {
			return err
		}
		doc, err := gsaconfig.LoadFile(inputFile)
		if err != nil {
			return err
		}
		ok, err := doc.Verify(password)
		if err != nil {
			return err
		}
		if !ok {
			// the appliance re-checks on import, so proceed anyway
			fmt.Fprintln(os.Stderr, "warning: signature does not match; expect the appliance to reject the import")
			logger.Warn("pre-import validation failed, signature does not match")
		}
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())

		logger.Info("importing config",
			zap.String("file", inputFile), zap.String("hostname", conf.Hostname))
		if err := client.ImportConfig(cmd.Context(), doc, password); err != nil {
			return err
		}
		fmt.Println("import completed")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger database synchronization",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sources == "" {
			return errors.New("sync requires --sources")
		}
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())

		if err := client.SyncDatabases(cmd.Context(), strings.Split(sources, ",")); err != nil {
			return err
		}
		fmt.Println("sync completed")
		return nil
	},
}

var exportURLsCmd = &cobra.Command{
	Use:   "export-urls",
	Short: "Export the list of all URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFile == "" {
			return errors.New("export-urls requires --output")
		}
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())

		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		return client.ExportAllURLs(cmd.Context(), f)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system and mirroring status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())
		return client.MirrorStatus(cmd.Context(), os.Stdout)
	},
}

var supportScriptCmd = &cobra.Command{
	Use:   "support-script",
	Short: "Run a vendor-provided support script",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == "" || outputFile == "" {
			return errors.New("support-script requires --input-file and --output")
		}
		script, err := os.ReadFile(inputFile)
		if err != nil {
			return err
		}
		client, err := newConsoleClient()
		if err != nil {
			return err
		}
		defer client.Logout(cmd.Context())

		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		return client.RunSupportScript(cmd.Context(), script, f, time.Duration(timeoutSec)*time.Second)
	},
}

// requireSignPassword returns the signing password, prompting when the
// flag was not given. The appliance requires at least 8 characters.
func requireSignPassword() (string, error) {
	if signPassword == "" {
		pw, err := promptPassword("Sign password: ")
		if err != nil {
			return "", err
		}
		signPassword = pw
	}
	if len(signPassword) < 8 {
		return "", errors.New("signing password must be 8 characters or longer")
	}
	return signPassword, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// newConsoleClient prompts for the console password and builds the
// client. The console password never comes from a flag or the config
// file.
func newConsoleClient() (*gsa.Client, error) {
	if conf.Hostname == "" {
		return nil, errors.New("hostname not given")
	}
	if conf.Username == "" {
		return nil, errors.New("username not given")
	}
	pw, err := promptPassword(fmt.Sprintf("Console password for %s@%s: ", conf.Username, conf.Hostname))
	if err != nil {
		return nil, err
	}
	return gsa.NewClient(conf, pw, logger)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&hostname, "hostname", "n", "", "appliance hostname")
	pf.IntVar(&port, "port", 0, "admin console port (default 8000)")
	pf.StringVarP(&username, "username", "u", "", "admin console username")
	pf.StringVarP(&signPassword, "sign-password", "g", "", "password for signing/import/export")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	for _, cmd := range []*cobra.Command{signCmd, verifyCmd, importCmd, supportScriptCmd} {
		cmd.Flags().StringVarP(&inputFile, "input-file", "f", "", "input file")
	}
	for _, cmd := range []*cobra.Command{signCmd, exportCmd, exportURLsCmd, supportScriptCmd} {
		cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file")
	}
	syncCmd.Flags().StringVar(&sources, "sources", "", "databases to sync (db1,db2,db3)")
	supportScriptCmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 180, "seconds to wait for the script to complete")

	rootCmd.AddCommand(signCmd, verifyCmd, exportCmd, importCmd,
		syncCmd, exportURLsCmd, statusCmd, supportScriptCmd)
}

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "gsadmin:", err)
		os.Exit(1)
	}
}

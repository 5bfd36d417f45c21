package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/custodia/certauth/ca"
	"github.com/custodia/certauth/internal/util"
)

var (
	issueIdentity   string
	issueCommonName string
	issueDays       int

	revokeReason int

	bundleOut      string
	bundlePassword string
)

var caIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a client certificate",
	Long:  `Issues a certificate bound to an identity. The private key is printed once and never stored retrievably.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *ca.Manager) error {
			issued, err := m.IssueCertificate(issueIdentity, issueCommonName, issueDays)
			if err != nil {
				return err
			}
			fmt.Printf("Issued certificate serial %d for %s\n\n", issued.Certificate.Serial, issueIdentity)
			fmt.Print(issued.CertPEM)
			fmt.Print(string(issued.KeyPEM))
			return nil
		})
	},
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke SERIAL",
	Short: "Permanently revoke a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid serial %q", args[0])
		}
		return withManager(func(m *ca.Manager) error {
			if err := m.RevokeCertificate(serial, revokeReason); err != nil {
				return err
			}
			fmt.Printf("Revoked certificate %d\n", serial)
			return nil
		})
	},
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *ca.Manager) error {
			infos, err := m.ListCertificates()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tIDENTITY\tSUBJECT\tSTATUS\tNOT AFTER")
			for _, info := range infos {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					info.Serial, info.IdentityRef, info.SubjectDN,
					info.Status, info.NotAfter.Format("2006-01-02"))
			}
			return w.Flush()
		})
	},
}

var caBundleCmd = &cobra.Command{
	Use:   "bundle SERIAL",
	Short: "Export an encrypted PKCS#12 bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid serial %q", args[0])
		}
		password := bundlePassword
		generated := false
		if password == "" {
			password, err = util.RandomChars(16)
			if err != nil {
				return err
			}
			generated = true
		}
		return withManager(func(m *ca.Manager) error {
			bundle, err := m.ExportBundle(serial, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(bundleOut, bundle, 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Printf("Wrote %s (%d bytes)\n", bundleOut, len(bundle))
			if generated {
				fmt.Printf("Bundle password: %s\n", password)
			}
			return nil
		})
	},
}

func init() {
	caCmd.AddCommand(caIssueCmd)
	caCmd.AddCommand(caRevokeCmd)
	caCmd.AddCommand(caListCmd)
	caCmd.AddCommand(caBundleCmd)

	caIssueCmd.Flags().StringVar(&issueIdentity, "identity", "", "Identity reference (required)")
	caIssueCmd.Flags().StringVar(&issueCommonName, "cn", "", "Subject common name (required)")
	caIssueCmd.Flags().IntVar(&issueDays, "days", 365, "Validity in days")
	caIssueCmd.MarkFlagRequired("identity")
	caIssueCmd.MarkFlagRequired("cn")

	caRevokeCmd.Flags().IntVar(&revokeReason, "reason", 0, "RFC 5280 revocation reason code")

	caBundleCmd.Flags().StringVar(&bundleOut, "out", "certificate.p12", "Output file")
	caBundleCmd.Flags().StringVar(&bundlePassword, "password", "", "Bundle password (generated when omitted)")
}

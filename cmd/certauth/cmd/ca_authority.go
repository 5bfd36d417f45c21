package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia/certauth/ca"
)

var (
	initCommonName    string
	initOrganization  string
	initUnit          string
	initCountry       string
	initValidityYears int
	initForce         bool
)

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the signing authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *ca.Manager) error {
			authority, err := m.CreateAuthority(ca.Policy{
				CommonName:         initCommonName,
				Organization:       initOrganization,
				OrganizationalUnit: initUnit,
				Country:            initCountry,
				ValidityYears:      initValidityYears,
			}, initForce)
			if err != nil {
				return err
			}
			fmt.Printf("Created authority %s\n  Subject:   %s\n  Not after: %s\n",
				authority.ID, authority.Subject, authority.NotAfter.Format("2006-01-02"))
			return nil
		})
	},
}

var caExportCmd = &cobra.Command{
	Use:   "export-ca",
	Short: "Print the authority certificate PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *ca.Manager) error {
			certPEM, err := m.ExportAuthorityPEM()
			if err != nil {
				return err
			}
			fmt.Print(certPEM)
			return nil
		})
	},
}

var caExportCRLCmd = &cobra.Command{
	Use:   "export-crl",
	Short: "Sign and print the revocation list PEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *ca.Manager) error {
			crlPEM, err := m.ExportCRL()
			if err != nil {
				return err
			}
			fmt.Print(string(crlPEM))
			return nil
		})
	},
}

func init() {
	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caExportCmd)
	caCmd.AddCommand(caExportCRLCmd)

	caInitCmd.Flags().StringVar(&initCommonName, "cn", "", "Authority common name (required)")
	caInitCmd.Flags().StringVar(&initOrganization, "org", "", "Organization")
	caInitCmd.Flags().StringVar(&initUnit, "ou", "", "Organizational unit")
	caInitCmd.Flags().StringVar(&initCountry, "country", "", "Country code")
	caInitCmd.Flags().IntVar(&initValidityYears, "years", 10, "Validity in years")
	caInitCmd.Flags().BoolVar(&initForce, "force", false, "Retire an existing authority and replace it")
	caInitCmd.MarkFlagRequired("cn")
}

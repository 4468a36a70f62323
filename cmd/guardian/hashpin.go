package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/infrastructure/identity"
)

var hashSecondary bool

var hashPinCmd = &cobra.Command{
	Use:   "hash-pin",
	Short: "Hash a PIN or secondary passphrase for auth.pin_hash / auth.secondary_hash",
	Long: `Reads the secret from the first line of standard input and prints its bcrypt
hash. Reading from stdin keeps the secret out of shell history.

Example:
  echo 4821 | guardian hash-pin
  guardian hash-pin --secondary < passphrase.txt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		method := credential.MethodPIN
		if hashSecondary {
			method = credential.MethodSecondary
		}

		sc := bufio.NewScanner(cmd.InOrStdin())
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return fmt.Errorf("no secret on standard input")
		}

		hash, err := identity.HashSecret(method, strings.TrimSpace(sc.Text()))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashPinCmd.Flags().BoolVar(&hashSecondary, "secondary", false, "hash a secondary recovery passphrase instead of a PIN")
}

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/keyset"
)

func addKeysetAddFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "keyset file path")
	cmd.Flags().String("cert", "", "PEM certificate to add")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("cert")
}

func addKeysetQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "keyset file path")
	cmd.Flags().String("selector", "*", "glob selector over subject DNs")
	_ = cmd.MarkFlagRequired("file")
}

func init() {
	addKeysetAddFlags(keysetAddCmd)
	addKeysetQueryFlags(keysetQueryCmd)
	keysetCmd.AddCommand(keysetAddCmd)
	keysetCmd.AddCommand(keysetQueryCmd)
	rootCmd.AddCommand(keysetCmd)
}

var keysetCmd = &cobra.Command{
	Use:   "keyset",
	Short: "Add to and query a file-backed keyset",
}

func openFileKeyset(path string, caps keyset.Capability) (*keyset.Keyset, error) {
	return keyset.Open(keyset.BackendFile, keyset.NewFileBackend(), path, caps, nil)
}

var keysetAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a certificate to a keyset",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		certPath, _ := cmd.Flags().GetString("cert")

		raw, err := os.ReadFile(certPath)
		if err != nil {
			log.Fatalf("reading %s: %s", certPath, err)
		}
		cert, err := certificate.Decode(raw)
		if err != nil {
			log.Fatalf("decoding certificate: %s", err)
		}

		ks, err := openFileKeyset(file, keyset.CapCreate)
		if err != nil {
			log.Fatalf("opening keyset: %s", err)
		}
		if err := ks.Set(cert, ""); err != nil {
			log.Fatalf("adding certificate: %s", err)
		}
		ks.Destroy() // closes the backend, which writes the file
		fmt.Printf("added %s to %s\n", cert.Parsed.Subject, file)
	},
}

var keysetQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List certificates in a keyset matching a selector",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		selector, _ := cmd.Flags().GetString("selector")

		ks, err := openFileKeyset(file, keyset.CapReadOnly)
		if err != nil {
			log.Fatalf("opening keyset: %s", err)
		}
		certs, err := ks.Query(selector)
		if err != nil {
			log.Fatalf("querying keyset: %s", err)
		}
		for _, cert := range certs {
			fmt.Println(cert.Parsed.Subject)
		}
		fmt.Printf("%d certificate(s) matched %q\n", len(certs), selector)
	},
}

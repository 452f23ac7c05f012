package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreguard/cryptkernel/pkg/envelope"
)

func addEnvelopeBuildFlags(cmd *cobra.Command) {
	cmd.Flags().String("password", "", "envelope password")
	cmd.Flags().String("in", "", "plaintext input path")
	cmd.Flags().String("out", "", "encrypted output path")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
}

func addEnvelopeParseFlags(cmd *cobra.Command) {
	cmd.Flags().String("password", "", "envelope password")
	cmd.Flags().String("in", "", "encrypted input path")
	cmd.Flags().String("out", "", "decrypted output path")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
}

func init() {
	addEnvelopeBuildFlags(envelopeBuildCmd)
	addEnvelopeParseFlags(envelopeParseCmd)
	envelopeCmd.AddCommand(envelopeBuildCmd)
	envelopeCmd.AddCommand(envelopeParseCmd)
	rootCmd.AddCommand(envelopeCmd)
}

var envelopeCmd = &cobra.Command{
	Use:   "envelope",
	Short: "Build and parse password-protected envelopes",
}

var envelopeBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Encrypt a file into a password-protected envelope",
	Run: func(cmd *cobra.Command, args []string) {
		password, _ := cmd.Flags().GetString("password")
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")

		plaintext, err := os.ReadFile(in)
		if err != nil {
			log.Fatalf("reading %s: %s", in, err)
		}

		env := envelope.New(envelope.FormatCMS, envelope.DirectionBuild)
		if err := env.SetPassword(password); err != nil {
			log.Fatalf("setting password: %s", err)
		}
		if _, err := env.PushData(plaintext); err != nil {
			log.Fatalf("pushing data: %s", err)
		}
		if err := env.FlushData(); err != nil {
			log.Fatalf("flushing envelope: %s", err)
		}

		blob := make([]byte, 0, len(plaintext)+4096)
		buf := make([]byte, 4096)
		for {
			n, err := env.PopData(buf)
			blob = append(blob, buf[:n]...)
			if err != nil {
				break
			}
			if n == 0 {
				break
			}
		}
		if err := os.WriteFile(out, blob, 0o644); err != nil {
			log.Fatalf("writing %s: %s", out, err)
		}
		fmt.Printf("wrote %d-byte envelope to %s\n", len(blob), out)
	},
}

var envelopeParseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Decrypt a password-protected envelope",
	Run: func(cmd *cobra.Command, args []string) {
		password, _ := cmd.Flags().GetString("password")
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")

		ciphertext, err := os.ReadFile(in)
		if err != nil {
			log.Fatalf("reading %s: %s", in, err)
		}

		env := envelope.New(envelope.FormatCMS, envelope.DirectionParse)
		if _, err := env.PushData(ciphertext); err != nil {
			log.Fatalf("pushing envelope data: %s", err)
		}
		if len(env.Missing()) > 0 {
			if err := env.SetPassword(password); err != nil {
				log.Fatalf("setting password: %s", err)
			}
		}
		if env.State == envelope.StateError {
			log.Fatal("envelope authentication failed")
		}

		plaintext := make([]byte, 0, len(ciphertext))
		buf := make([]byte, 4096)
		for {
			n, err := env.PopData(buf)
			plaintext = append(plaintext, buf[:n]...)
			if err != nil || n == 0 {
				break
			}
		}
		if err := os.WriteFile(out, plaintext, 0o644); err != nil {
			log.Fatalf("writing %s: %s", out, err)
		}
		fmt.Printf("wrote %d-byte plaintext to %s\n", len(plaintext), out)
	},
}

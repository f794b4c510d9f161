package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Demosthene27/valois-sdk/types"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage node keys",
	Long:  `Commands for managing node identity keys.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate [output-file]",
	Short: "Generate a new node key",
	Long: `Generate a new Ed25519 keypair for node identity.

If no output file is specified, the key is printed to stdout.

Example:
  valois keys generate
  valois keys generate node_key`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeysGenerate,
}

var keysShowCmd = &cobra.Command{
	Use:   "show <key-file>",
	Short: "Show public key and address from a key file",
	Long: `Display the public key and account address from a key file.

Example:
  valois keys show node_key`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysShow,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysShowCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	encoded := hex.EncodeToString(priv)
	address := types.AddressFromPublicKey(pub)

	if len(args) == 0 {
		fmt.Println(encoded)
		fmt.Fprintf(cmd.ErrOrStderr(), "\nPublic key: %s\nAddress:    %s\n",
			hex.EncodeToString(pub), address.String())
		return nil
	}

	outputPath := args[0]
	if err := os.WriteFile(outputPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	fmt.Printf("Generated key: %s\n", outputPath)
	fmt.Printf("Public key:    %s\n", hex.EncodeToString(pub))
	fmt.Printf("Address:       %s\n", address.String())
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	var priv ed25519.PrivateKey
	if len(data) == ed25519.PrivateKeySize {
		priv = ed25519.PrivateKey(data)
	} else {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(decoded) != ed25519.PrivateKeySize {
			return fmt.Errorf("key file %s is not a valid Ed25519 key", args[0])
		}
		priv = ed25519.PrivateKey(decoded)
	}

	pub := priv.Public().(ed25519.PublicKey)
	address := types.AddressFromPublicKey(pub)

	fmt.Printf("Public key: %s\n", hex.EncodeToString(pub))
	fmt.Printf("Address:    %s\n", address.String())
	return nil
}
